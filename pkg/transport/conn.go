package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrSendFailed   = errors.New("send failed")
)

// Default transport parameters.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 256 * 1024

	// inboundBuffer bounds the inbound envelope channel so a slow
	// consumer back-pressures the read loop instead of growing memory.
	inboundBuffer = 64

	// framePayloadCaptureLimit caps how much of a frame body is copied
	// into protocol log events.
	framePayloadCaptureLimit = 2048
)

// Config configures a WebSocket connection to a device.
type Config struct {
	// ConnectTimeout bounds the WebSocket dial and handshake (default: 10s).
	ConnectTimeout time.Duration

	// PingInterval is how often pings are sent (default: 30s).
	PingInterval time.Duration

	// PongTimeout is how long after a ping to wait for any traffic
	// before declaring the connection dead (default: 10s).
	PongTimeout time.Duration

	// WriteTimeout bounds individual frame writes (default: 10s).
	WriteTimeout time.Duration

	// MaxMessageSize is the maximum inbound frame size in bytes
	// (default: 256KB).
	MaxMessageSize int64

	// Logger receives protocol events. Optional.
	Logger log.Logger
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	c.Logger = log.OrNoop(c.Logger)
	return c
}

// Conn is a single WebSocket connection to a device.
//
// Inbound envelopes are delivered on the channel returned by Inbound.
// When the connection terminates for any reason, the inbound channel
// is closed and Err reports the terminal error (nil for a local Close).
type Conn struct {
	config Config
	device string

	ws      *websocket.Conn
	inbound chan wire.Envelope
	done    chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial establishes a WebSocket connection to ws://host:port/.
// The device string labels log events and is typically the device key.
func Dial(ctx context.Context, host string, port int, device string, config Config) (*Conn, error) {
	config = config.withDefaults()

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Conn{
		config:  config,
		device:  device,
		ws:      ws,
		inbound: make(chan wire.Envelope, inboundBuffer),
		done:    make(chan struct{}),
	}

	ws.SetReadLimit(config.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(config.PingInterval + config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(config.PingInterval + config.PongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Inbound returns the channel of received envelopes.
// The channel is closed when the connection terminates.
func (c *Conn) Inbound() <-chan wire.Envelope {
	return c.inbound
}

// Done returns a channel closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after Done is closed.
// It is nil when the connection was closed locally via Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Send serializes the envelope as a JSON text frame and writes it.
func (c *Conn) Send(env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.logFrame(log.DirectionOut, env.Topic, data)
	return nil
}

// Close terminates the connection. It is safe to call multiple times
// and safe to call concurrently with Send.
func (c *Conn) Close() error {
	c.terminate(nil)
	return nil
}

// terminate records the terminal error (first writer wins), sends a
// best-effort close frame and tears down the socket.
func (c *Conn) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.ws.Close()
		close(c.done)
	})
}

// readLoop reads frames until the connection terminates, parsing each
// frame into envelopes and delivering them on the inbound channel.
func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close, not an error.
			default:
				c.logError(err, "read")
				c.terminate(err)
			}
			return
		}

		envs, err := wire.ParseFrame(data)
		if err != nil {
			// A malformed frame is logged and skipped; it does not
			// bring the connection down.
			c.logError(err, "parse frame")
			continue
		}

		c.logFrame(log.DirectionIn, "", data)

		for _, env := range envs {
			select {
			case c.inbound <- env:
			case <-c.done:
				return
			}
		}
	}
}

// pingLoop sends WebSocket pings at the configured interval.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.done:
				default:
					c.logError(err, "ping")
					c.terminate(err)
				}
				return
			}
		}
	}
}

func (c *Conn) logFrame(dir log.Direction, topic string, data []byte) {
	payload := data
	truncated := false
	if len(payload) > framePayloadCaptureLimit {
		payload = payload[:framePayloadCaptureLimit]
		truncated = true
	}
	c.config.Logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    c.device,
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  log.CategoryFrame,
		Topic:     topic,
		Frame: &log.FrameEvent{
			Size:      len(data),
			Payload:   payload,
			Truncated: truncated,
		},
	})
}

func (c *Conn) logError(err error, context string) {
	c.config.Logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    c.device,
		Direction: log.DirectionNone,
		Layer:     log.LayerTransport,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: context,
		},
	})
}
