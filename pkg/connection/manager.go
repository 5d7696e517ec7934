package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/transport"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// Connection errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyStarted   = errors.New("connection manager already started")
	ErrConnectionClosed = errors.New("connection closed")
)

// DefaultStabilityWindow is how long a connection must stay up before
// the reconnect backoff resets.
const DefaultStabilityWindow = 10 * time.Second

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no connection and no attempt running.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates the link was lost and a retry is
	// pending or waiting out its backoff delay.
	StateReconnecting

	// StateClosed indicates the manager was closed. Terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the transport-level link a Manager supervises.
// *transport.Conn satisfies it.
type Session interface {
	Send(env wire.Envelope) error
	Inbound() <-chan wire.Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Session = (*transport.Conn)(nil)

// DialFunc establishes a new session. It is called once per attempt.
type DialFunc func(ctx context.Context) (Session, error)

// Config configures a connection Manager.
type Config struct {
	// Backoff tunes the reconnect delay schedule.
	Backoff BackoffConfig

	// StabilityWindow is how long a connection must survive before
	// the backoff resets (default: 10s).
	StabilityWindow time.Duration

	// Device labels log events. Optional.
	Device string

	// Logger receives protocol events. Optional.
	Logger log.Logger
}

// Manager supervises one logical device connection, redialing with
// exponential backoff whenever the link drops. It never gives up until
// Close is called.
type Manager struct {
	mu sync.Mutex

	state   State
	session Session

	dial    DialFunc
	config  Config
	backoff *Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onEnvelope    func(env wire.Envelope)
	onStateChange func(oldState, newState State)
	onConnected   func()
}

// NewManager creates a manager for the given dial function.
// Callbacks must be registered before Start.
func NewManager(dial DialFunc, config Config) *Manager {
	if config.StabilityWindow <= 0 {
		config.StabilityWindow = DefaultStabilityWindow
	}
	config.Logger = log.OrNoop(config.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		state:   StateDisconnected,
		dial:    dial,
		config:  config,
		backoff: NewBackoffWithConfig(config.Backoff),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEnvelope sets the callback for inbound envelopes.
func (m *Manager) OnEnvelope(fn func(env wire.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnvelope = fn
}

// OnStateChange sets the callback for state transitions.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback invoked after every successful dial,
// including reconnects. Useful for re-issuing queries.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a session is currently established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// BackoffAttempts returns the reconnect attempts since the last reset.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}

// Start performs the initial connection attempt and launches the
// supervision loop. The returned error reflects only the first
// attempt; on failure the manager keeps retrying in the background
// until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.mu.Unlock()

	m.setState(StateConnecting, "initial connect")

	sess, err := m.dial(ctx)
	if err != nil {
		m.setState(StateReconnecting, "initial connect failed")
		m.wg.Add(1)
		go m.supervise(nil)
		return err
	}

	m.adopt(sess)
	m.wg.Add(1)
	go m.supervise(sess)
	return nil
}

// Send forwards an envelope over the current session.
func (m *Manager) Send(env wire.Envelope) error {
	m.mu.Lock()
	sess := m.session
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || sess == nil {
		return ErrNotConnected
	}
	return sess.Send(env)
}

// Close tears down the connection permanently. Safe to call multiple
// times.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateClosed
	sess := m.session
	m.session = nil
	cb := m.onStateChange
	m.mu.Unlock()

	m.logStateChange(oldState, StateClosed, "closed")
	if cb != nil {
		cb(oldState, StateClosed)
	}

	m.cancel()
	if sess != nil {
		sess.Close()
	}
	m.wg.Wait()
}

// adopt installs a freshly dialed session and fires the connected
// callbacks.
func (m *Manager) adopt(sess Session) {
	m.mu.Lock()
	m.session = sess
	connectedCb := m.onConnected
	m.mu.Unlock()

	m.setState(StateConnected, "connected")
	if connectedCb != nil {
		connectedCb()
	}
}

// supervise pumps the current session and redials when it drops.
// A nil session starts directly in the redial phase.
func (m *Manager) supervise(sess Session) {
	defer m.wg.Done()

	for {
		if sess != nil {
			connectedAt := time.Now()
			m.pump(sess)

			if m.State() == StateClosed {
				return
			}

			// A link that survived the stability window earns a
			// fresh backoff schedule.
			if time.Since(connectedAt) >= m.config.StabilityWindow {
				m.backoff.Reset()
			}

			reason := "connection lost"
			if err := sess.Err(); err != nil {
				reason = err.Error()
			}
			m.setState(StateReconnecting, reason)
		}

		sess = m.redial()
		if sess == nil {
			return
		}
	}
}

// pump forwards inbound envelopes until the session ends or the
// manager is closed.
func (m *Manager) pump(sess Session) {
	for {
		select {
		case env, ok := <-sess.Inbound():
			if !ok {
				return
			}
			m.mu.Lock()
			cb := m.onEnvelope
			m.mu.Unlock()
			if cb != nil {
				cb(env)
			}
		case <-m.ctx.Done():
			sess.Close()
			return
		}
	}
}

// redial attempts to establish a new session, waiting out the backoff
// between attempts. Returns nil only when the manager is closed.
func (m *Manager) redial() Session {
	for {
		delay := m.backoff.Next()
		select {
		case <-m.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		m.setState(StateConnecting, "reconnect attempt")

		sess, err := m.dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return nil
			}
			m.logError(err, "dial")
			m.setState(StateReconnecting, "dial failed")
			continue
		}

		m.adopt(sess)
		return sess
	}
}

// setState transitions the state machine and fires the callback.
// Transitions are ignored once the manager is closed.
func (m *Manager) setState(newState State, reason string) {
	m.mu.Lock()
	if m.state == StateClosed || m.state == newState {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = newState
	cb := m.onStateChange
	m.mu.Unlock()

	m.logStateChange(oldState, newState, reason)
	if cb != nil {
		cb(oldState, newState)
	}
}

func (m *Manager) logStateChange(oldState, newState State, reason string) {
	m.config.Logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    m.config.Device,
		Direction: log.DirectionNone,
		Layer:     log.LayerConnection,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: oldState.String(),
			NewState: newState.String(),
			Reason:   reason,
		},
	})
}

func (m *Manager) logError(err error, context string) {
	m.config.Logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    m.config.Device,
		Direction: log.DirectionNone,
		Layer:     log.LayerConnection,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: context,
		},
	})
}
