package coordinator

import (
	"strconv"
	"strings"

	"github.com/PuuuTao/eway-go/pkg/model"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// Extra published keys with no numeric normalization.
const (
	KeyWorkMode      = "work_mode"
	KeyStopReason    = "stop_reason"
	KeySessionStart  = "session_start"
	KeySessionEnd    = "session_end"
	KeyChargeCurrent = "charge_current"
	KeyNetworkWay    = "network_way"
	KeyNfcEnable     = "nfc_enable"
	KeyGunLock       = "gun_lock"
	KeyWifiSsid      = "wifi_ssid"
	KeySessionCharge = "session_charge"
)

// itemKeys maps charger id/value list ids onto published keys.
var itemKeys = map[string]string{
	"gun-status":    wire.KeyGunStatus,
	"charge-status": wire.KeyChargingStatus,
	"charg-status":  wire.KeyChargingStatus,
	"pile-status":   wire.KeyPileStatus,
	"charg-current": KeyChargeCurrent,
	"network-way":   KeyNetworkWay,
	"nfc-enable":    KeyNfcEnable,
}

// valuesFromDecoded flattens a decoded message into published values.
// Only the keys the message carries appear in the result.
func valuesFromDecoded(d wire.Decoded) map[string]model.Value {
	values := make(map[string]model.Value)

	switch d.Kind {
	case wire.DecodedProperty:
		if d.Status != nil {
			putIntPtr(values, wire.KeyChargingStatus, d.Status.ChargingStatus)
			putIntPtr(values, wire.KeyGunStatus, d.Status.GunStatus)
			putIntPtr(values, wire.KeyPileStatus, d.Status.PileStatus)
		}
		putItems(values, d.Items)
		if d.StorageProps != nil {
			putStorageProps(values, d.StorageProps.Property)
		}

	case wire.DecodedFunction, wire.DecodedEvent:
		putItems(values, d.Items)
		if d.Session != nil {
			putSession(values, d.Session)
		}

	case wire.DecodedInfo:
		if d.Info != nil {
			putChargerInfo(values, d.Info)
		}
		if d.StorageInfo != nil {
			values[KeyWorkMode] = model.StringValue(d.StorageInfo.WorkModeInfo.WorkMode)
		}

	case wire.DecodedMonitor:
		if d.Monitor != nil {
			putMonitor(values, d.Monitor)
		}

	case wire.DecodedStorageMini:
		if d.StorageMini != nil {
			putStorageMini(values, d.StorageMini)
		}
	}

	return values
}

func putChargerInfo(values map[string]model.Value, info *wire.ChargerInfo) {
	if info.AppFirmVer != "" {
		values[wire.KeyFirmware] = model.StringValue(info.AppFirmVer)
	}
	if info.WifiSsid != "" {
		values[KeyWifiSsid] = model.StringValue(info.WifiSsid)
	}
	putIntPtr(values, wire.KeyChargingStatus, info.ChargeStatus)
	putIntPtr(values, wire.KeyGunStatus, info.GunStatus)
	putIntPtr(values, wire.KeyPileStatus, info.PileStatus)
	putIntPtr(values, KeyGunLock, info.GunLock)
	putIntPtr(values, KeyChargeCurrent, info.ChargCurrent)
	putIntPtr(values, KeyNetworkWay, info.NetworkWay)
	putIntPtr(values, KeyNfcEnable, info.NfcEnable)
	if info.WorkThis != nil {
		values[KeySessionCharge] = normalized(wire.KeySessionEnergy, *info.WorkThis)
	}
	if info.WorkTotal != nil {
		values[wire.KeyWorkTotal] = normalized(wire.KeyWorkTotal, *info.WorkTotal)
	}
}

func putMonitor(values map[string]model.Value, m *wire.MonitorData) {
	values[wire.KeyPower] = normalized(wire.KeyPower, m.Power)
	values[wire.KeyVoltage] = normalized(wire.KeyVoltage, m.Voltage)
	values[wire.KeyCurrent] = normalized(wire.KeyCurrent, m.Current)
	values[wire.KeyCurrentL1] = normalized(wire.KeyCurrentL1, m.CurrentL1)
	values[wire.KeyCurrentL2] = normalized(wire.KeyCurrentL2, m.CurrentL2)
	values[wire.KeyCurrentL3] = normalized(wire.KeyCurrentL3, m.CurrentL3)
	values[wire.KeySessionEnergy] = normalized(wire.KeySessionEnergy, m.Amount)
	values[wire.KeySessionTime] = model.IntValue(m.Duration)
	values[wire.KeyTemperature] = normalized(wire.KeyTemperature, m.Temperature)
}

func putSession(values map[string]model.Value, ev *wire.SessionEvent) {
	values[wire.KeySessionEnergy] = normalized(wire.KeySessionEnergy, ev.Degrees)
	values[wire.KeySessionTime] = model.IntValue(ev.Duration)
	if ev.StopReason != "" {
		values[KeyStopReason] = model.StringValue(ev.StopReason)
	}
	if ev.StartTime > 0 {
		values[KeySessionStart] = model.IntValue(ev.StartTime)
	}
	if ev.EndTime > 0 {
		values[KeySessionEnd] = model.IntValue(ev.EndTime)
	}
}

func putStorageMini(values map[string]model.Value, m *wire.StorageMini) {
	values[wire.KeyOutputPower] = normalized(wire.KeyOutputPower, m.OutputPower)
	values[wire.KeyPVPower] = normalized(wire.KeyPVPower, m.PV.Power)
	values[wire.KeyBatteryPower] = normalized(wire.KeyBatteryPower, m.Battery.BatteryPower)
	values[wire.KeyBatterySOC] = normalized(wire.KeyBatterySOC, m.Battery.BatteryTotalSOC)
	if m.ProtocolVer != "" {
		values[wire.KeyProtocolVersion] = model.StringValue(m.ProtocolVer)
	}
}

// putItems flattens charger id/value lists. Known ids map to their
// canonical keys; unknown ids publish under the id with dashes folded
// to underscores.
func putItems(values map[string]model.Value, items []wire.CommandItem) {
	for _, item := range items {
		key, ok := itemKeys[item.ID]
		if !ok {
			key = strings.ReplaceAll(item.ID, "-", "_")
		}
		values[key] = parsedValue(key, item.Value)
	}
}

// putStorageProps flattens storage property lists.
func putStorageProps(values map[string]model.Value, props []wire.StorageProperty) {
	for _, p := range props {
		if p.ID == wire.PropConstantPower {
			if p.Extend != nil {
				values[wire.KeyConstantPower] = model.FloatValue(p.Extend.ConstantPower)
			} else {
				values[wire.KeyConstantPower] = parsedValue(wire.KeyConstantPower, p.Value)
			}
			continue
		}
		key := strings.ReplaceAll(p.ID, "-", "_")
		values[key] = parsedValue(key, p.Value)
	}
}

// parsedValue interprets a wire string: integers and floats become
// numeric values (floats normalized per the key's field spec),
// anything else stays a string.
func parsedValue(key, raw string) model.Value {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if _, hasSpec := wire.Spec(key); hasSpec {
			return normalized(key, float64(i))
		}
		return model.IntValue(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return normalized(key, f)
	}
	return model.StringValue(raw)
}

func normalized(key string, raw float64) model.Value {
	return model.FloatValue(wire.Normalize(key, raw))
}

func putIntPtr(values map[string]model.Value, key string, v *int) {
	if v != nil {
		values[key] = model.IntValue(int64(*v))
	}
}
