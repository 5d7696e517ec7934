package model

import (
	"time"
)

// ConnectionStatus reflects the connection manager's state machine
// in the published snapshot.
type ConnectionStatus uint8

const (
	// StatusDisconnected indicates no active connection.
	StatusDisconnected ConnectionStatus = iota

	// StatusConnecting indicates a connection attempt is in progress.
	StatusConnecting

	// StatusConnected indicates telemetry values are live.
	StatusConnected

	// StatusReconnecting indicates the link dropped and automatic
	// reconnection is in progress. Values are last-known, not live.
	StatusReconnecting
)

// String returns the status name.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether telemetry values can be treated as current
// rather than last-known.
func (s ConnectionStatus) Live() bool {
	return s == StatusConnected
}

// ValueKind identifies the dynamic type of a telemetry value.
type ValueKind uint8

const (
	// KindString is a string value.
	KindString ValueKind = iota

	// KindInt is an integer value.
	KindInt

	// KindFloat is a floating-point value.
	KindFloat

	// KindBool is a boolean value.
	KindBool

	// KindTime is a timestamp value.
	KindTime
)

// Value is a typed telemetry value. Exactly one field matching Kind
// is meaningful.
type Value struct {
	Kind ValueKind

	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// TimeValue wraps a timestamp.
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// Any returns the value as an untyped interface, for display.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time
	default:
		return nil
	}
}

// CommandResult records the outcome of the most recent control command,
// kept separate from telemetry so consumers can surface "last command
// result" independently of live data.
type CommandResult struct {
	// ID is the command identifier (e.g. "charg-switch").
	ID string

	// Result is the device-reported result value.
	Result string

	// Detail is the device-reported remark, if any.
	Detail string

	// Err is the failure, if the command did not complete.
	Err string

	// Timestamp is when the result was recorded.
	Timestamp time.Time
}

// State is the published device-state snapshot. It is mutated only by
// the coordinator's single-writer path; consumers receive clones.
type State struct {
	// Descriptor identifies the device this snapshot belongs to.
	Descriptor Descriptor

	// Values maps sensor keys to typed values. A merge applies all
	// keys of a decoded message or none of them.
	Values map[string]Value

	// ConnectionStatus distinguishes live values from last-known ones.
	ConnectionStatus ConnectionStatus

	// LastUpdated is when any part of the snapshot last changed.
	LastUpdated time.Time

	// LastCommand is the most recent control-command outcome.
	LastCommand CommandResult
}

// NewState returns an empty snapshot for a device.
func NewState(desc Descriptor) *State {
	return &State{
		Descriptor: desc,
		Values:     make(map[string]Value),
	}
}

// Clone returns a deep copy safe to hand to consumers.
func (s *State) Clone() *State {
	c := *s
	c.Values = make(map[string]Value, len(s.Values))
	for k, v := range s.Values {
		c.Values[k] = v
	}
	return &c
}
