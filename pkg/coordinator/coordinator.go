package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PuuuTao/eway-go/pkg/connection"
	"github.com/PuuuTao/eway-go/pkg/interaction"
	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/model"
	"github.com/PuuuTao/eway-go/pkg/transport"
)

// Coordinator errors.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceExists      = errors.New("device already connected")
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// Storage power target bounds, in watts.
const (
	MinStoragePower = 0
	MaxStoragePower = 800
)

// DefaultRefreshInterval is the periodic poll cadence.
const DefaultRefreshInterval = 30 * time.Second

// DefaultProductCode labels storage property-set payloads when the
// configuration does not override it.
const DefaultProductCode = "A1"

// Config configures a Coordinator.
type Config struct {
	// RefreshInterval is the periodic poll cadence (default: 30s).
	RefreshInterval time.Duration

	// CommandTimeout bounds each tracked command (default: 10s).
	CommandTimeout time.Duration

	// ProductCode is sent in storage property-set payloads.
	ProductCode string

	// Transport tunes the per-device WebSocket connections.
	Transport transport.Config

	// Backoff tunes reconnect delays.
	Backoff connection.BackoffConfig

	// StabilityWindow is the uptime needed before backoff resets.
	StabilityWindow time.Duration

	// Logger receives protocol events. Optional.
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = interaction.DefaultCommandTimeout
	}
	if c.ProductCode == "" {
		c.ProductCode = DefaultProductCode
	}
	c.Logger = log.OrNoop(c.Logger)
	return c
}

// dialFunc lets tests substitute the transport.
type dialFunc func(ctx context.Context, desc model.Descriptor) (connection.Session, error)

// Coordinator manages the sessions of all configured devices and
// publishes their state.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	dial dialFunc
}

// New creates a Coordinator.
func New(config Config) *Coordinator {
	config = config.withDefaults()
	c := &Coordinator{
		config:   config,
		sessions: make(map[string]*session),
	}
	c.dial = func(ctx context.Context, desc model.Descriptor) (connection.Session, error) {
		return transport.Dial(ctx, desc.Host, desc.Port, desc.Key(), config.Transport)
	}
	return c
}

// Connect establishes a session for the device. The returned error
// reflects the initial connection attempt; on failure the session is
// still installed and keeps reconnecting until Disconnect.
func (c *Coordinator) Connect(ctx context.Context, desc model.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	key := desc.Key()
	if _, exists := c.sessions[key]; exists {
		c.mu.Unlock()
		return ErrDeviceExists
	}
	sess := newSession(desc, c.config, c.dial)
	c.sessions[key] = sess
	c.mu.Unlock()

	return sess.start(ctx)
}

// Disconnect tears down the device's session. All pending commands
// fail immediately with ErrConnectionClosed; the final snapshot shows
// DISCONNECTED and subscriber channels are closed.
func (c *Coordinator) Disconnect(desc model.Descriptor) error {
	c.mu.Lock()
	key := desc.Key()
	sess, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownDevice
	}
	sess.stop()
	return nil
}

// State returns a snapshot clone for the device.
func (c *Coordinator) State(desc model.Descriptor) (*model.State, error) {
	sess, err := c.session(desc)
	if err != nil {
		return nil, err
	}
	return sess.snapshot(), nil
}

// Devices lists the descriptors of all connected sessions.
func (c *Coordinator) Devices() []model.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Descriptor, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.desc)
	}
	return out
}

// Refresh issues the device's poll queries immediately, outside the
// periodic cadence. Responses arrive asynchronously through the merge
// path; Refresh itself does not mutate state.
func (c *Coordinator) Refresh(ctx context.Context, desc model.Descriptor) error {
	sess, err := c.session(desc)
	if err != nil {
		return err
	}
	return sess.refresh()
}

// Subscribe registers a state consumer for the device. The current
// snapshot is delivered first; every merge after that delivers a fresh
// clone. For a storage device, the first subscription triggers the
// one-shot power-control initialization query.
func (c *Coordinator) Subscribe(desc model.Descriptor) (*Subscription, error) {
	sess, err := c.session(desc)
	if err != nil {
		return nil, err
	}
	return sess.subscribe(), nil
}

// SetChargingState switches a charger on or off.
func (c *Coordinator) SetChargingState(ctx context.Context, desc model.Descriptor, on bool) error {
	sess, err := c.session(desc)
	if err != nil {
		return err
	}
	if sess.desc.Type != model.DeviceCharger {
		return fmt.Errorf("%w: charging control requires a charger", ErrInvalidArgument)
	}
	return sess.setChargingState(ctx, on)
}

// SetStoragePower sets the storage unit's constant-power target in
// watts. The range is validated before any network call.
func (c *Coordinator) SetStoragePower(ctx context.Context, desc model.Descriptor, watts int) error {
	sess, err := c.session(desc)
	if err != nil {
		return err
	}
	if sess.desc.Type != model.DeviceStorage {
		return fmt.Errorf("%w: power target requires a storage device", ErrInvalidArgument)
	}
	if watts < MinStoragePower || watts > MaxStoragePower {
		return fmt.Errorf("%w: power %d outside [%d, %d] W",
			ErrInvalidArgument, watts, MinStoragePower, MaxStoragePower)
	}
	return sess.setStoragePower(ctx, watts)
}

// Close disconnects every device. The coordinator cannot be reused.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}
}

func (c *Coordinator) session(desc model.Descriptor) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	sess, ok := c.sessions[desc.Key()]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return sess, nil
}
