package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Codec errors.
var (
	ErrDecode       = errors.New("payload decode failed")
	ErrInvalidTopic = errors.New("invalid topic")
	ErrEmptyFrame   = errors.New("empty frame")
)

// Envelope is the top-level WebSocket frame: JSON text with a topic
// and an opaque payload.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope, marshalling the payload.
func NewEnvelope(topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	return Envelope{Topic: topic, Payload: raw}, nil
}

// Marshal serializes the envelope as a JSON text frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseFrame parses a raw WebSocket text frame into envelopes.
// Devices occasionally batch messages as a JSON array; both a single
// envelope object and an array of envelopes are accepted.
func ParseFrame(data []byte) ([]Envelope, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrEmptyFrame
	}

	if trimmed[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal(data, &envs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return envs, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return []Envelope{env}, nil
}

// TopicKind identifies the topic family within a dialect.
type TopicKind uint8

const (
	// KindProperty carries current field values.
	KindProperty TopicKind = iota

	// KindFunction carries control commands and their results.
	KindFunction

	// KindInfo carries device information (firmware, work mode).
	KindInfo

	// KindEvent carries asynchronous events (session end, errors).
	KindEvent

	// KindMonitor carries charger real-time telemetry (monitor2).
	KindMonitor

	// KindStorageMini carries the storage unit's periodic mini report.
	KindStorageMini
)

// String returns the topic-family segment as it appears on the wire.
func (k TopicKind) String() string {
	switch k {
	case KindProperty:
		return "property"
	case KindFunction:
		return "function"
	case KindInfo:
		return "info"
	case KindEvent:
		return "event"
	case KindMonitor:
		return "monitor2"
	case KindStorageMini:
		return "event/storage/mini"
	default:
		return "unknown"
	}
}

// Direction distinguishes queries from device reports.
type Direction uint8

const (
	// DirGet is host-to-device (query or command).
	DirGet Direction = iota

	// DirPost is device-to-host (response or push).
	DirPost
)

// String returns the direction segment.
func (d Direction) String() string {
	if d == DirGet {
		return "get"
	}
	return "post"
}

// Topic is a parsed topic address.
type Topic struct {
	// DeviceID is set for charger-dialect topics only.
	DeviceID string

	// Serial is the device serial number segment.
	Serial string

	// Kind is the topic family.
	Kind TopicKind

	// Dir is get or post.
	Dir Direction
}

// ChargerTopic builds a charger-dialect topic string.
func ChargerTopic(deviceID, serial string, kind TopicKind, dir Direction) string {
	return fmt.Sprintf("/%s/%s/%s/%s", deviceID, serial, kind, dir)
}

// StorageTopic builds a storage-dialect topic string.
func StorageTopic(serial string, kind TopicKind, dir Direction) string {
	return fmt.Sprintf("/%s/%s/%s", serial, kind, dir)
}

// ParseTopic parses a topic string from either dialect.
// Unknown shapes return ErrInvalidTopic; the caller treats those
// messages as unrecognized, not as failures.
func ParseTopic(topic string) (Topic, error) {
	if !strings.HasPrefix(topic, "/") {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")

	switch len(parts) {
	case 3:
		// Storage: /{serial}/{kind}/{dir}
		kind, err := parseKind(parts[1])
		if err != nil {
			return Topic{}, err
		}
		dir, err := parseDir(parts[2])
		if err != nil {
			return Topic{}, err
		}
		return Topic{Serial: parts[0], Kind: kind, Dir: dir}, nil

	case 4:
		// Charger: /{deviceID}/{serial}/{kind}/{dir}
		kind, err := parseKind(parts[2])
		if err != nil {
			return Topic{}, err
		}
		dir, err := parseDir(parts[3])
		if err != nil {
			return Topic{}, err
		}
		return Topic{DeviceID: parts[0], Serial: parts[1], Kind: kind, Dir: dir}, nil

	case 5:
		// Storage mini report: /{serial}/event/storage/mini/post
		if parts[1] == "event" && parts[2] == "storage" && parts[3] == "mini" && parts[4] == "post" {
			return Topic{Serial: parts[0], Kind: KindStorageMini, Dir: DirPost}, nil
		}
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)

	default:
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
}

func parseKind(s string) (TopicKind, error) {
	switch s {
	case "property":
		return KindProperty, nil
	case "function":
		return KindFunction, nil
	case "info":
		return KindInfo, nil
	case "event":
		return KindEvent, nil
	case "monitor2":
		return KindMonitor, nil
	default:
		return 0, fmt.Errorf("%w: unknown family %q", ErrInvalidTopic, s)
	}
}

func parseDir(s string) (Direction, error) {
	switch s {
	case "get":
		return DirGet, nil
	case "post":
		return DirPost, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidTopic, s)
	}
}
