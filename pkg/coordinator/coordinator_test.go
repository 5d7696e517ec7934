package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuuuTao/eway-go/pkg/connection"
	"github.com/PuuuTao/eway-go/pkg/interaction"
	"github.com/PuuuTao/eway-go/pkg/model"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// fakeLink is an in-memory connection.Session the tests drive directly.
type fakeLink struct {
	mu      sync.Mutex
	inbound chan wire.Envelope
	done    chan struct{}
	sent    []wire.Envelope
	closed  bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		inbound: make(chan wire.Envelope, 16),
		done:    make(chan struct{}),
	}
}

func (l *fakeLink) Send(env wire.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Inbound() <-chan wire.Envelope { return l.inbound }
func (l *fakeLink) Done() <-chan struct{}         { return l.done }
func (l *fakeLink) Err() error                    { return nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	close(l.inbound)
	return nil
}

// sentTopics returns a copy of the topics sent so far.
func (l *fakeLink) sentTopics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	topics := make([]string, len(l.sent))
	for i, env := range l.sent {
		topics[i] = env.Topic
	}
	return topics
}

// findSent returns the first sent envelope whose topic contains the
// fragment, waiting for it to appear.
func (l *fakeLink) findSent(t *testing.T, fragment string) wire.Envelope {
	t.Helper()
	return l.findSentWhere(t, fragment, func(wire.Envelope) bool { return true })
}

// findSentWhere waits for a sent envelope matching both the topic
// fragment and the predicate.
func (l *fakeLink) findSentWhere(t *testing.T, fragment string, match func(wire.Envelope) bool) wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, env := range l.sent {
			if strings.Contains(env.Topic, fragment) && match(env) {
				l.mu.Unlock()
				return env
			}
		}
		l.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no matching envelope with topic containing %q was sent (sent: %v)", fragment, l.sentTopics())
	return wire.Envelope{}
}

var (
	chargerDesc = model.Descriptor{
		Type: model.DeviceCharger, Host: "192.168.1.50", Port: 8887,
		DeviceID: "0012", Serial: "EW220601",
	}
	storageDesc = model.Descriptor{
		Type: model.DeviceStorage, Host: "192.168.1.51", Port: 8887,
		Serial: "ES991122",
	}
)

// testCoordinator wires a Coordinator to a fakeLink per device.
func testCoordinator(t *testing.T) (*Coordinator, map[string]*fakeLink) {
	t.Helper()

	links := make(map[string]*fakeLink)
	var mu sync.Mutex

	c := New(Config{
		RefreshInterval: time.Hour, // tests trigger refresh explicitly
		CommandTimeout:  500 * time.Millisecond,
		Backoff: connection.BackoffConfig{
			Initial: time.Millisecond, Max: 5 * time.Millisecond,
			Multiplier: 2.0, Jitter: -1,
		},
	})
	c.dial = func(ctx context.Context, desc model.Descriptor) (connection.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		l := newFakeLink()
		links[desc.Key()] = l
		return l, nil
	}
	t.Cleanup(c.Close)
	return c, links
}

func waitForValue(t *testing.T, sub *Subscription, key string) model.Value {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				t.Fatal("subscription closed while waiting for value")
			}
			if v, found := snap.Values[key]; found {
				return v
			}
		case <-deadline:
			t.Fatalf("no snapshot carried key %q", key)
		}
	}
}

// storageInfoResponse builds an info/post echoing the messageId from a
// sent info/get.
func storageInfoResponse(t *testing.T, query wire.Envelope, workMode string, constantPower float64) wire.Envelope {
	t.Helper()
	var q struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(query.Payload, &q); err != nil {
		t.Fatalf("query payload: %v", err)
	}
	payload := fmt.Sprintf(
		`{"timestamp":1718000000000,"messageId":%q,"workModeInfo":{"workMode":%q,"extend":{"constantPower":%v}}}`,
		q.MessageID, workMode, constantPower)
	return wire.Envelope{
		Topic:   wire.StorageTopic(storageDesc.Serial, wire.KindInfo, wire.DirPost),
		Payload: json.RawMessage(payload),
	}
}

func TestStoragePowerInitSeedsFromWorkModeZero(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[storageDesc.Key()]

	sub, err := c.Subscribe(storageDesc)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	// First subscription issues exactly one info/get.
	query := link.findSent(t, "/info/get")
	link.inbound <- storageInfoResponse(t, query, "0", 350)

	v := waitForValue(t, sub, wire.KeyConstantPower)
	if v.Float != 350 {
		t.Errorf("seeded power = %v, want 350", v.Float)
	}

	// A second subscription must not re-query.
	sub2, err := c.Subscribe(storageDesc)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	defer sub2.Cancel()

	time.Sleep(20 * time.Millisecond)
	count := 0
	for _, topic := range link.sentTopics() {
		if strings.Contains(topic, "/info/get") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 info/get, got %d", count)
	}
}

func TestStoragePowerInitIgnoresOtherWorkModes(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[storageDesc.Key()]

	sub, err := c.Subscribe(storageDesc)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	query := link.findSent(t, "/info/get")
	link.inbound <- storageInfoResponse(t, query, "2", 350)

	// The response still merges the work mode, so a snapshot arrives,
	// just without a seeded power target.
	v := waitForValue(t, sub, KeyWorkMode)
	if v.Str != "2" {
		t.Errorf("work mode = %q", v.Str)
	}

	snap, err := c.State(storageDesc)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if _, found := snap.Values[wire.KeyConstantPower]; found {
		t.Error("power target seeded despite work mode != \"0\"")
	}
}

func TestStorageMiniNormalization(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[storageDesc.Key()]

	sub, err := c.Subscribe(storageDesc)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	link.inbound <- wire.Envelope{
		Topic: "/" + storageDesc.Serial + "/event/storage/mini/post",
		Payload: json.RawMessage(`{
			"timestamp": 1718000000000,
			"outputPower": 420.55,
			"pv": {"power": 515.24},
			"battery": {"batteryPower": -350, "batteryTotalSOC": 872}
		}`),
	}

	if v := waitForValue(t, sub, wire.KeyBatterySOC); v.Float != 87.2 {
		t.Errorf("soc = %v, want 87.2", v.Float)
	}

	snap, err := c.State(storageDesc)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if v := snap.Values[wire.KeyBatteryPower]; v.Float != -350.0 {
		t.Errorf("battery power = %v, want -350.0 (sign preserved)", v.Float)
	}
	if v := snap.Values[wire.KeyOutputPower]; v.Float != 420.6 {
		t.Errorf("output power = %v, want 420.6", v.Float)
	}
	if v := snap.Values[wire.KeyPVPower]; v.Float != 515.2 {
		t.Errorf("pv power = %v, want 515.2", v.Float)
	}
}

func TestRefreshIsIdempotentWithoutResponses(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[chargerDesc.Key()]

	// Let one telemetry value in first.
	link.inbound <- wire.Envelope{
		Topic:   "/0012/EW220601/property/post",
		Payload: json.RawMessage(`{"chargingStatus":1}`),
	}

	waitFor(t, func() bool {
		snap, err := c.State(chargerDesc)
		return err == nil && len(snap.Values) > 0
	}, "initial value never merged")

	before, _ := c.State(chargerDesc)

	if err := c.Refresh(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if err := c.Refresh(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	after, _ := c.State(chargerDesc)
	if len(after.Values) != len(before.Values) {
		t.Errorf("refresh without responses changed values: %d -> %d", len(before.Values), len(after.Values))
	}
	for k, v := range before.Values {
		if after.Values[k] != v {
			t.Errorf("key %q changed: %v -> %v", k, v, after.Values[k])
		}
	}
}

func TestSetChargingState(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[chargerDesc.Key()]

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SetChargingState(context.Background(), chargerDesc, true)
	}()

	cmd := link.findSent(t, "/function/get")
	var payload map[string]string
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		t.Fatalf("command payload: %v", err)
	}
	if payload["id"] != "charg-switch" || payload["value"] != "0" {
		t.Errorf("command = %v (on must encode as \"0\")", payload)
	}

	link.inbound <- wire.Envelope{
		Topic:   "/0012/EW220601/function/post",
		Payload: json.RawMessage(`[{"id":"charg-switch","value":"0"}]`),
	}

	if err := <-errCh; err != nil {
		t.Fatalf("SetChargingState failed: %v", err)
	}

	snap, _ := c.State(chargerDesc)
	if snap.LastCommand.ID != "charg-switch" || snap.LastCommand.Result != "0" {
		t.Errorf("last command = %+v", snap.LastCommand)
	}
	if snap.LastCommand.Err != "" {
		t.Errorf("unexpected command error %q", snap.LastCommand.Err)
	}
}

func TestSetChargingStateDeviceError(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[chargerDesc.Key()]

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SetChargingState(context.Background(), chargerDesc, true)
	}()

	link.findSent(t, "/function/get")
	link.inbound <- wire.Envelope{
		Topic:   "/0012/EW220601/function/post",
		Payload: json.RawMessage(`{"code":1001,"message":"gun not inserted"}`),
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected device error")
	}
	snap, _ := c.State(chargerDesc)
	if snap.LastCommand.Err == "" {
		t.Error("device error not recorded in LastCommand")
	}
}

func TestSetStoragePower(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[storageDesc.Key()]

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SetStoragePower(context.Background(), storageDesc, 600)
	}()

	// The refresh on connect also sends a property/get; the command is
	// the one carrying the constant-power property.
	cmd := link.findSentWhere(t, "/property/get", func(env wire.Envelope) bool {
		return strings.Contains(string(env.Payload), wire.PropConstantPower)
	})
	var payload struct {
		MessageID string                 `json:"messageId"`
		DeviceNum string                 `json:"deviceNum"`
		Property  []wire.StorageProperty `json:"property"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		t.Fatalf("command payload: %v", err)
	}
	if len(payload.Property) != 1 || payload.Property[0].ID != wire.PropConstantPower {
		t.Fatalf("property = %+v", payload.Property)
	}
	// Watts are stringified integers on the wire.
	if payload.Property[0].Value != "600" {
		t.Errorf("value = %q, want \"600\"", payload.Property[0].Value)
	}
	if payload.DeviceNum != storageDesc.Serial {
		t.Errorf("deviceNum = %q", payload.DeviceNum)
	}

	link.inbound <- wire.Envelope{
		Topic: wire.StorageTopic(storageDesc.Serial, wire.KindProperty, wire.DirPost),
		Payload: json.RawMessage(fmt.Sprintf(
			`{"timestamp":1718000000001,"messageId":%q,"property":[{"id":"constant-power","value":"600"}]}`,
			payload.MessageID)),
	}

	if err := <-errCh; err != nil {
		t.Fatalf("SetStoragePower failed: %v", err)
	}

	snap, _ := c.State(storageDesc)
	if v := snap.Values[wire.KeyConstantPower]; v.Float != 600 {
		t.Errorf("power target = %v, want 600", v.Float)
	}
	if snap.LastCommand.ID != wire.PropConstantPower {
		t.Errorf("last command = %+v", snap.LastCommand)
	}
}

func TestSetStoragePowerRangeValidation(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[storageDesc.Key()]

	link.mu.Lock()
	sentBefore := len(link.sent)
	link.mu.Unlock()

	for _, watts := range []int{-1, 801, 10000} {
		if err := c.SetStoragePower(context.Background(), storageDesc, watts); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("watts=%d: expected ErrInvalidArgument, got %v", watts, err)
		}
	}

	// Rejected before any network call.
	link.mu.Lock()
	sentAfter := len(link.sent)
	link.mu.Unlock()
	if sentAfter != sentBefore {
		t.Errorf("out-of-range command reached the wire")
	}
}

func TestCommandTypeMismatch(t *testing.T) {
	c, _ := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := c.SetStoragePower(context.Background(), chargerDesc, 100); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for charger power target, got %v", err)
	}
	if err := c.SetChargingState(context.Background(), storageDesc, true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for storage charge switch, got %v", err)
	}
}

func TestChargerCommandExclusivity(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[chargerDesc.Key()]

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- c.SetChargingState(context.Background(), chargerDesc, true)
	}()
	link.findSent(t, "/function/get")

	// Second command on the same family while the first is pending.
	if err := c.SetChargingState(context.Background(), chargerDesc, false); !errors.Is(err, interaction.ErrCommandInFlight) {
		t.Errorf("expected ErrCommandInFlight, got %v", err)
	}

	link.inbound <- wire.Envelope{
		Topic:   "/0012/EW220601/function/post",
		Payload: json.RawMessage(`[{"id":"charg-switch","value":"0"}]`),
	}
	if err := <-firstErr; err != nil {
		t.Fatalf("first command failed: %v", err)
	}
}

func TestDisconnectFailsPendingAndClosesSubscriptions(t *testing.T) {
	c, links := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	link := links[chargerDesc.Key()]

	sub, err := c.Subscribe(chargerDesc)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cmdErr := make(chan error, 1)
	go func() {
		cmdErr <- c.SetChargingState(context.Background(), chargerDesc, true)
	}()
	link.findSent(t, "/function/get")

	if err := c.Disconnect(chargerDesc); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if err := <-cmdErr; !errors.Is(err, interaction.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}

	waitFor(t, func() bool {
		for {
			select {
			case _, ok := <-sub.Updates():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, "subscription channel not closed after disconnect")

	if _, err := c.State(chargerDesc); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice after disconnect, got %v", err)
	}
}

func TestConnectValidation(t *testing.T) {
	c, _ := testCoordinator(t)

	bad := model.Descriptor{Type: model.DeviceCharger, Host: "h", Port: 8887}
	if err := c.Connect(context.Background(), bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	if err := c.Connect(context.Background(), storageDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Connect(context.Background(), storageDesc); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("expected ErrDeviceExists, got %v", err)
	}
}

func TestSubscriptionPrimingSnapshot(t *testing.T) {
	c, _ := testCoordinator(t)

	if err := c.Connect(context.Background(), chargerDesc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sub, err := c.Subscribe(chargerDesc)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	select {
	case snap, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed immediately")
		}
		if snap.Descriptor.Key() != chargerDesc.Key() {
			t.Errorf("priming snapshot for wrong device: %v", snap.Descriptor)
		}
	case <-time.After(time.Second):
		t.Fatal("no priming snapshot")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
