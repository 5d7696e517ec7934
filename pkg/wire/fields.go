package wire

import (
	"math"
)

// FieldSpec describes how a raw numeric device value maps to a
// published telemetry value. The coordinator consults this table
// instead of scaling per sensor; the two dialects' field sets stay
// independently extensible.
type FieldSpec struct {
	// Key is the published sensor key.
	Key string

	// Scale multiplies the raw device value.
	Scale float64

	// Decimals is the rounding precision of the published value.
	Decimals int

	// Unit is the published unit label.
	Unit string
}

// Published sensor keys.
const (
	// Charger telemetry.
	KeyChargingStatus = "charging_status"
	KeyGunStatus      = "gun_status"
	KeyPileStatus     = "pile_status"
	KeyPower          = "power"
	KeyVoltage        = "voltage"
	KeyCurrent        = "current"
	KeyCurrentL1      = "current_l1"
	KeyCurrentL2      = "current_l2"
	KeyCurrentL3      = "current_l3"
	KeySessionEnergy  = "session_energy"
	KeySessionTime    = "session_duration"
	KeyTemperature    = "temperature"
	KeyFirmware       = "firmware_version"
	KeyWorkTotal      = "work_total"

	// Storage telemetry.
	KeyOutputPower     = "output_power"
	KeyPVPower         = "pv_power"
	KeyBatteryPower    = "battery_power"
	KeyBatterySOC      = "battery_soc"
	KeyProtocolVersion = "protocol_version"
	KeyConstantPower   = "storage_constant_power"
)

// fieldSpecs is the normalization table. Power values are published in
// watts with one decimal; energy in kilowatt-hours with two decimals;
// SOC in percent with one decimal (the device reports tenths of a
// percent). Battery power sign is preserved verbatim: positive means
// charging, negative discharging.
var fieldSpecs = map[string]FieldSpec{
	KeyPower:         {Key: KeyPower, Scale: 1, Decimals: 1, Unit: "W"},
	KeyOutputPower:   {Key: KeyOutputPower, Scale: 1, Decimals: 1, Unit: "W"},
	KeyPVPower:       {Key: KeyPVPower, Scale: 1, Decimals: 1, Unit: "W"},
	KeyBatteryPower:  {Key: KeyBatteryPower, Scale: 1, Decimals: 1, Unit: "W"},
	KeySessionEnergy: {Key: KeySessionEnergy, Scale: 1, Decimals: 2, Unit: "kWh"},
	KeyWorkTotal:     {Key: KeyWorkTotal, Scale: 1, Decimals: 2, Unit: "kWh"},
	KeyBatterySOC:    {Key: KeyBatterySOC, Scale: 0.1, Decimals: 1, Unit: "%"},
	KeyVoltage:       {Key: KeyVoltage, Scale: 1, Decimals: 1, Unit: "V"},
	KeyCurrent:       {Key: KeyCurrent, Scale: 1, Decimals: 1, Unit: "A"},
	KeyCurrentL1:     {Key: KeyCurrentL1, Scale: 1, Decimals: 1, Unit: "A"},
	KeyCurrentL2:     {Key: KeyCurrentL2, Scale: 1, Decimals: 1, Unit: "A"},
	KeyCurrentL3:     {Key: KeyCurrentL3, Scale: 1, Decimals: 1, Unit: "A"},
	KeyTemperature:   {Key: KeyTemperature, Scale: 1, Decimals: 1, Unit: "°C"},
}

// Spec returns the normalization metadata for a sensor key.
func Spec(key string) (FieldSpec, bool) {
	s, ok := fieldSpecs[key]
	return s, ok
}

// Normalize applies a key's scale and precision to a raw device value.
// Keys without metadata pass through unchanged.
func Normalize(key string, raw float64) float64 {
	spec, ok := fieldSpecs[key]
	if !ok {
		return raw
	}
	scaled := raw * spec.Scale
	pow := math.Pow10(spec.Decimals)
	return math.Round(scaled*pow) / pow
}
