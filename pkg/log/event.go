package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// Device is the device key (serial or host:port).
	Device string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Topic is the message topic, for message events.
	Topic string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (at most one is set).
	Frame       *FrameEvent       `cbor:"7,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"8,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"9,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionNone indicates a local event with no message flow.
	DirectionNone Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "-"
	}
}

// Layer identifies the engine layer that produced an event.
type Layer uint8

const (
	// LayerTransport is the WebSocket transport.
	LayerTransport Layer = iota
	// LayerWire is the protocol codec.
	LayerWire
	// LayerConnection is the reconnect state machine.
	LayerConnection
	// LayerTracker is the command tracker.
	LayerTracker
	// LayerCoordinator is the state coordinator.
	LayerCoordinator
	// LayerDiscovery is the mDNS browser.
	LayerDiscovery
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerConnection:
		return "CONNECTION"
	case LayerTracker:
		return "TRACKER"
	case LayerCoordinator:
		return "COORDINATOR"
	case LayerDiscovery:
		return "DISCOVERY"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame is a raw frame send/receive.
	CategoryFrame Category = iota
	// CategoryMessage is a decoded protocol message.
	CategoryMessage
	// CategoryState is a state-machine transition.
	CategoryState
	// CategoryError is a non-fatal error.
	CategoryError
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent describes a raw frame.
type FrameEvent struct {
	// Size is the frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Payload is the frame body; may be truncated for large frames.
	Payload []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates Payload was cut at the capture limit.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent describes a state-machine transition.
type StateChangeEvent struct {
	OldState string `cbor:"1,keyasint"`
	NewState string `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData describes a non-fatal error.
type ErrorEventData struct {
	Message string `cbor:"1,keyasint"`
	Context string `cbor:"2,keyasint,omitempty"`
}
