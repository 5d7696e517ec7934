package wire

import (
	"encoding/json"
	"fmt"
)

// DecodedKind tags the variant carried by a Decoded message.
type DecodedKind uint8

const (
	// DecodedUnrecognized marks a topic or payload shape the codec
	// does not understand. Dropped with a diagnostic, never fatal.
	DecodedUnrecognized DecodedKind = iota

	// DecodedProperty is a property/post report.
	DecodedProperty

	// DecodedFunction is a function/post command result.
	DecodedFunction

	// DecodedInfo is an info/post response.
	DecodedInfo

	// DecodedEvent is an event/post report.
	DecodedEvent

	// DecodedMonitor is a monitor2/post real-time report.
	DecodedMonitor

	// DecodedStorageMini is a storage mini telemetry report.
	DecodedStorageMini

	// DecodedError is a device-reported error object.
	DecodedError
)

// String returns the variant name.
func (k DecodedKind) String() string {
	switch k {
	case DecodedProperty:
		return "PROPERTY"
	case DecodedFunction:
		return "FUNCTION"
	case DecodedInfo:
		return "INFO"
	case DecodedEvent:
		return "EVENT"
	case DecodedMonitor:
		return "MONITOR"
	case DecodedStorageMini:
		return "STORAGE_MINI"
	case DecodedError:
		return "ERROR"
	default:
		return "UNRECOGNIZED"
	}
}

// CommandItem is the charger dialect's id/value tuple, used both in
// outbound commands and in inbound status and result lists.
type CommandItem struct {
	ID     string `json:"id"`
	Value  string `json:"value"`
	Remark string `json:"remark,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// ChargerStatus is the charger property/post dict form.
type ChargerStatus struct {
	ChargingStatus *int `json:"chargingStatus"` // 0 idle, 1 charging, 2 complete
	GunStatus      *int `json:"gunStatus"`      // 0 out, 1 inserted
	PileStatus     *int `json:"pileStatus"`     // 0 idle, 1 charging, 2 fault
}

// ChargerInfo is the charger info/post payload.
type ChargerInfo struct {
	AppFirmVer   string          `json:"appFirmVer"`
	McbFirmVer   string          `json:"mcbFirmVer"`
	NetFirmVer   string          `json:"netFirmVer"`
	UIFirmVer    string          `json:"uiFirmVer"`
	ChargCurrent *int            `json:"chargCurrent"`
	ChargeStatus *int            `json:"chargeStatus"`
	GunStatus    *int            `json:"gunStatus"`
	GunLock      *int            `json:"gunLock"`
	PileStatus   *int            `json:"pileStatus"`
	NetworkWay   *int            `json:"networkWay"`
	NetSource    *int            `json:"netSource"`
	WifiSsid     string          `json:"wifiSsid"`
	NfcEnable    *int            `json:"nfcEnable"`
	TimeZone     string          `json:"timeZone"`
	WorkCharg    *float64        `json:"workCharg"`
	WorkThis     *float64        `json:"workThis"`
	WorkTotal    *float64        `json:"workTotal"`
	ErrCode      json.RawMessage `json:"errCode"`
}

// MonitorData is the charger monitor2/post real-time payload.
type MonitorData struct {
	Amount      float64 `json:"amount"`    // session energy, kWh
	Current     float64 `json:"current"`   // average current, A
	CurrentL1   float64 `json:"currentL1"` // per-phase currents, A
	CurrentL2   float64 `json:"currentL2"`
	CurrentL3   float64 `json:"currentL3"`
	Duration    int64   `json:"duration"` // seconds
	DutyCycle   float64 `json:"dutyCycle"`
	IMT4GRssi   int     `json:"imt4gRssi"`
	Moisture    float64 `json:"moisture"`
	Power       float64 `json:"power"`   // W
	Temperature float64 `json:"temperature"`
	Voltage     float64 `json:"voltage"` // V
	WifiRssi    int     `json:"wifiRssi"`
}

// SessionEvent is the charger event/post session-end payload.
type SessionEvent struct {
	Degrees    float64         `json:"degrees"` // session energy, kWh
	Duration   int64           `json:"duration"`
	StartTime  int64           `json:"startTime"`
	EndTime    int64           `json:"endTime"`
	StopReason string          `json:"stopReason"`
	UserID     string          `json:"userId"`
	ErrCode    json.RawMessage `json:"errCode"`
}

// StorageExtend carries extended storage property attributes.
type StorageExtend struct {
	ConstantPower float64 `json:"constantPower"`
}

// StorageProperty is the storage dialect's id/value tuple.
type StorageProperty struct {
	ID     string         `json:"id"`
	Value  string         `json:"value"`
	Extend *StorageExtend `json:"extend,omitempty"`
}

// WorkModeInfo describes the storage unit's operating mode.
// Mode "0" is constant-power output with the target wattage in Extend.
type WorkModeInfo struct {
	WorkMode string        `json:"workMode"`
	Extend   StorageExtend `json:"extend"`
}

// StorageInfo is the storage info/post payload.
type StorageInfo struct {
	Timestamp    int64        `json:"timestamp"`
	MessageID    string       `json:"messageId"`
	WorkModeInfo WorkModeInfo `json:"workModeInfo"`
}

// StoragePropertyPost is the storage property/post payload.
type StoragePropertyPost struct {
	Timestamp int64             `json:"timestamp"`
	MessageID string            `json:"messageId"`
	Property  []StorageProperty `json:"property"`
}

// StorageMini is the storage unit's periodic telemetry report.
type StorageMini struct {
	Timestamp   int64   `json:"timestamp"` // milliseconds
	ProtocolVer string  `json:"protocolVer"`
	OutputPower float64 `json:"outputPower"` // W
	PV          struct {
		Power float64 `json:"power"` // W
	} `json:"pv"`
	Battery struct {
		BatteryPower    float64 `json:"batteryPower"`    // W, positive = charging
		BatteryTotalSOC float64 `json:"batteryTotalSOC"` // tenths of a percent
	} `json:"battery"`
}

// DeviceError is a device-reported error object on a function or
// property response.
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Decoded is the tagged result of decoding an inbound envelope.
// Exactly the variant named by Kind is set.
type Decoded struct {
	Kind  DecodedKind
	Topic Topic

	// CorrelationID is the echoed storage messageId, when present.
	// Charger responses do not echo correlation ids; they are matched
	// by topic family instead.
	CorrelationID string

	// Charger variants.
	Status  *ChargerStatus // property/post dict form
	Items   []CommandItem  // property/function/event list form
	Info    *ChargerInfo
	Monitor *MonitorData
	Session *SessionEvent

	// Storage variants.
	StorageInfo  *StorageInfo
	StorageProps *StoragePropertyPost
	StorageMini  *StorageMini

	// Error variant.
	Err *DeviceError
}

// Decode decodes an inbound envelope into a tagged variant.
//
// An unparseable topic yields Kind DecodedUnrecognized with a nil
// error; a recognized topic with a malformed payload yields an
// ErrDecode-wrapped error. Neither is fatal to the caller: both are
// logged and the message dropped.
func Decode(env Envelope) (Decoded, error) {
	topic, err := ParseTopic(env.Topic)
	if err != nil {
		return Decoded{Kind: DecodedUnrecognized}, nil
	}
	if topic.Dir != DirPost {
		// Echo of our own query, or something we never send for.
		return Decoded{Kind: DecodedUnrecognized, Topic: topic}, nil
	}

	storage := topic.DeviceID == ""

	switch topic.Kind {
	case KindProperty:
		if storage {
			return decodeStorageProperty(topic, env.Payload)
		}
		return decodeChargerProperty(topic, env.Payload)

	case KindFunction:
		return decodeFunction(topic, env.Payload)

	case KindInfo:
		if storage {
			return decodeStorageInfo(topic, env.Payload)
		}
		return decodeChargerInfo(topic, env.Payload)

	case KindEvent:
		return decodeEvent(topic, env.Payload)

	case KindMonitor:
		var m MonitorData
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return Decoded{}, fmt.Errorf("%w: monitor2: %v", ErrDecode, err)
		}
		return Decoded{Kind: DecodedMonitor, Topic: topic, Monitor: &m}, nil

	case KindStorageMini:
		var m StorageMini
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return Decoded{}, fmt.Errorf("%w: storage mini: %v", ErrDecode, err)
		}
		return Decoded{Kind: DecodedStorageMini, Topic: topic, StorageMini: &m}, nil

	default:
		return Decoded{Kind: DecodedUnrecognized, Topic: topic}, nil
	}
}

func decodeChargerProperty(topic Topic, payload json.RawMessage) (Decoded, error) {
	if isArray(payload) {
		var items []CommandItem
		if err := json.Unmarshal(payload, &items); err != nil {
			return Decoded{}, fmt.Errorf("%w: property list: %v", ErrDecode, err)
		}
		return Decoded{Kind: DecodedProperty, Topic: topic, Items: items}, nil
	}

	var status ChargerStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return Decoded{}, fmt.Errorf("%w: property dict: %v", ErrDecode, err)
	}
	return Decoded{Kind: DecodedProperty, Topic: topic, Status: &status}, nil
}

func decodeStorageProperty(topic Topic, payload json.RawMessage) (Decoded, error) {
	var post StoragePropertyPost
	if err := json.Unmarshal(payload, &post); err != nil {
		return Decoded{}, fmt.Errorf("%w: storage property: %v", ErrDecode, err)
	}
	return Decoded{
		Kind:          DecodedProperty,
		Topic:         topic,
		CorrelationID: post.MessageID,
		StorageProps:  &post,
	}, nil
}

func decodeFunction(topic Topic, payload json.RawMessage) (Decoded, error) {
	if isArray(payload) {
		var items []CommandItem
		if err := json.Unmarshal(payload, &items); err != nil {
			return Decoded{}, fmt.Errorf("%w: function list: %v", ErrDecode, err)
		}
		return Decoded{Kind: DecodedFunction, Topic: topic, Items: items}, nil
	}

	// Dict payload on function/post is an error object.
	var devErr DeviceError
	if err := json.Unmarshal(payload, &devErr); err != nil {
		return Decoded{}, fmt.Errorf("%w: function error: %v", ErrDecode, err)
	}
	return Decoded{Kind: DecodedError, Topic: topic, Err: &devErr}, nil
}

func decodeChargerInfo(topic Topic, payload json.RawMessage) (Decoded, error) {
	var info ChargerInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return Decoded{}, fmt.Errorf("%w: charger info: %v", ErrDecode, err)
	}
	return Decoded{Kind: DecodedInfo, Topic: topic, Info: &info}, nil
}

func decodeStorageInfo(topic Topic, payload json.RawMessage) (Decoded, error) {
	var info StorageInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return Decoded{}, fmt.Errorf("%w: storage info: %v", ErrDecode, err)
	}
	return Decoded{
		Kind:          DecodedInfo,
		Topic:         topic,
		CorrelationID: info.MessageID,
		StorageInfo:   &info,
	}, nil
}

func decodeEvent(topic Topic, payload json.RawMessage) (Decoded, error) {
	if isArray(payload) {
		var items []CommandItem
		if err := json.Unmarshal(payload, &items); err != nil {
			return Decoded{}, fmt.Errorf("%w: event list: %v", ErrDecode, err)
		}
		return Decoded{Kind: DecodedEvent, Topic: topic, Items: items}, nil
	}

	var session SessionEvent
	if err := json.Unmarshal(payload, &session); err != nil {
		return Decoded{}, fmt.Errorf("%w: session event: %v", ErrDecode, err)
	}
	return Decoded{Kind: DecodedEvent, Topic: topic, Session: &session}, nil
}

// isArray reports whether the raw JSON starts with '['.
func isArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
