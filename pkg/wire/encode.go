package wire

import (
	"time"
)

// Source identifies this host in storage-dialect payloads.
const Source = "app"

// Well-known charger command ids.
const (
	CmdChargeSwitch  = "charg-switch"
	CmdNetworkWay    = "network-way"
	CmdChargeCurrent = "charg-current"
	CmdNfcEnable     = "nfc-enable"
)

// Well-known storage property ids.
const (
	PropConstantPower = "constant-power"
)

// Charge-switch values: the device encodes on as "0" and off as "1".
const (
	ChargeSwitchOn  = "0"
	ChargeSwitchOff = "1"
)

// chargerCommand is the charger function/get payload.
type chargerCommand struct {
	ID     string `json:"id"`
	Value  string `json:"value"`
	Remark string `json:"remark"`
	UserID string `json:"userId"`
}

// storageQuery is the storage info/get and property/get payload.
type storageQuery struct {
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
	Source    string `json:"source"`
}

// storagePropertySet is the storage property/get (set) payload.
type storagePropertySet struct {
	Timestamp   int64             `json:"timestamp"`
	MessageID   string            `json:"messageId"`
	ProductCode string            `json:"productCode"`
	DeviceNum   string            `json:"deviceNum"`
	Source      string            `json:"source"`
	Property    []StorageProperty `json:"property"`
}

// EncodeChargerQuery builds a charger query with an empty payload
// (the charger answers property/info gets on the matching post topic).
func EncodeChargerQuery(deviceID, serial string, kind TopicKind) (Envelope, error) {
	return NewEnvelope(ChargerTopic(deviceID, serial, kind, DirGet), struct{}{})
}

// EncodeChargerCommand builds a charger function/get command.
func EncodeChargerCommand(deviceID, serial, cmdID, value, remark string) (Envelope, error) {
	return NewEnvelope(ChargerTopic(deviceID, serial, KindFunction, DirGet), chargerCommand{
		ID:     cmdID,
		Value:  value,
		Remark: remark,
	})
}

// EncodeStorageQuery builds a storage info/get or property/get query.
// The messageId is echoed by the device and used for correlation.
func EncodeStorageQuery(serial, messageID string, kind TopicKind, now time.Time) (Envelope, error) {
	return NewEnvelope(StorageTopic(serial, kind, DirGet), storageQuery{
		Timestamp: now.UnixMilli(),
		MessageID: messageID,
		Source:    Source,
	})
}

// EncodeStoragePropertySet builds a storage property-set command.
func EncodeStoragePropertySet(serial, messageID, productCode string, props []StorageProperty, now time.Time) (Envelope, error) {
	return NewEnvelope(StorageTopic(serial, KindProperty, DirGet), storagePropertySet{
		Timestamp:   now.UnixMilli(),
		MessageID:   messageID,
		ProductCode: productCode,
		DeviceNum:   serial,
		Source:      Source,
		Property:    props,
	})
}
