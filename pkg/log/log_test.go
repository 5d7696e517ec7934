package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleEvent() Event {
	return Event{
		Timestamp: time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC),
		Device:    "ES991122",
		Direction: DirectionIn,
		Layer:     LayerTransport,
		Category:  CategoryFrame,
		Topic:     "/ES991122/property/post",
		Frame: &FrameEvent{
			Size:    64,
			Payload: []byte(`{"topic":"/ES991122/property/post"}`),
		},
	}
}

func TestEventRoundTrip(t *testing.T) {
	event := sampleEvent()

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("timestamp = %v, want %v", decoded.Timestamp, event.Timestamp)
	}
	if decoded.Device != event.Device || decoded.Topic != event.Topic {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Frame == nil || decoded.Frame.Size != 64 {
		t.Errorf("frame = %+v", decoded.Frame)
	}
	if !bytes.Equal(decoded.Frame.Payload, event.Frame.Payload) {
		t.Error("frame payload mismatch")
	}
}

func TestStreamEncoding(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	events := []Event{
		sampleEvent(),
		{
			Timestamp: time.Now().UTC(),
			Device:    "EW220601",
			Direction: DirectionNone,
			Layer:     LayerConnection,
			Category:  CategoryState,
			StateChange: &StateChangeEvent{
				OldState: "CONNECTED",
				NewState: "RECONNECTING",
				Reason:   "read error",
			},
		},
	}
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i := range events {
		var got Event
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if got.Device != events[i].Device {
			t.Errorf("event %d device = %q", i, got.Device)
		}
	}
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	logger.Log(sampleEvent())
	logger.Log(sampleEvent())
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Close again is a no-op; logging after close is ignored.
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	logger.Log(sampleEvent())

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	// Close flushed the buffer, so both events are readable.
	dec := NewDecoder(f)
	for i := 0; i < 2; i++ {
		var got Event
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("decode logged event %d: %v", i, err)
		}
		if got.Device != "ES991122" {
			t.Errorf("event %d device = %q", i, got.Device)
		}
	}
	var extra Event
	if err := dec.Decode(&extra); err == nil {
		t.Error("event logged after Close reached the file")
	}
}

func TestFileLoggerSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Log(sampleEvent())
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// The event must be on disk while the logger is still open.
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var got Event
	if err := NewDecoder(f).Decode(&got); err != nil {
		t.Fatalf("decode synced event: %v", err)
	}
	if got.Device != "ES991122" {
		t.Errorf("device = %q", got.Device)
	}

	// Sync after Close is a no-op.
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync after Close failed: %v", err)
	}
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatal("OrNoop(nil) must return a usable logger")
	}
	// Must not panic.
	OrNoop(nil).Log(sampleEvent())

	fl := NewMultiLogger()
	if got := OrNoop(fl); got != fl {
		t.Error("OrNoop must pass through non-nil loggers")
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b recordingLogger
	m := NewMultiLogger(&a, nil, &b)

	m.Log(sampleEvent())

	if a.count != 1 || b.count != 1 {
		t.Errorf("counts = %d, %d", a.count, b.count)
	}
}

type recordingLogger struct {
	count int
}

func (r *recordingLogger) Log(Event) { r.count++ }
