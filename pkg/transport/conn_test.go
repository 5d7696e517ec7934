package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PuuuTao/eway-go/pkg/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startTestServer starts a WebSocket server that passes each accepted
// connection to handle. It returns the host and port to dial.
func startTestServer(t *testing.T, handle func(ws *websocket.Conn)) (string, int) {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func dialTest(t *testing.T, host string, port int) *Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, host, port, "test-device", DefaultConfig())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvEnvelope(t *testing.T, conn *Conn) wire.Envelope {
	t.Helper()

	select {
	case env, ok := <-conn.Inbound():
		if !ok {
			t.Fatal("inbound channel closed unexpectedly")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return wire.Envelope{}
}

func TestDialAndReceive(t *testing.T) {
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"topic":"/SN123/property/post","payload":{"workTotal":"12.34"}}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, host, port)

	env := recvEnvelope(t, conn)
	if env.Topic != "/SN123/property/post" {
		t.Errorf("expected topic /SN123/property/post, got %q", env.Topic)
	}
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	})

	conn := dialTest(t, host, port)

	env, err := wire.NewEnvelope("/dev1/SN1/function/get", map[string]string{"id": "charg-switch"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-received:
		envs, err := wire.ParseFrame(data)
		if err != nil {
			t.Fatalf("server received unparseable frame: %v", err)
		}
		if len(envs) != 1 || envs[0].Topic != "/dev1/SN1/function/get" {
			t.Errorf("unexpected frame on server: %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame on server")
	}
}

func TestArrayFrameFlattened(t *testing.T) {
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage,
			[]byte(`[{"topic":"/SN1/property/post","payload":{}},{"topic":"/SN1/info/post","payload":{}}]`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, host, port)

	first := recvEnvelope(t, conn)
	second := recvEnvelope(t, conn)

	if first.Topic != "/SN1/property/post" {
		t.Errorf("expected first topic /SN1/property/post, got %q", first.Topic)
	}
	if second.Topic != "/SN1/info/post" {
		t.Errorf("expected second topic /SN1/info/post, got %q", second.Topic)
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"topic":"/SN1/property/post","payload":{}}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, host, port)

	env := recvEnvelope(t, conn)
	if env.Topic != "/SN1/property/post" {
		t.Errorf("expected valid envelope after malformed frame, got %q", env.Topic)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, host, port)

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	if err := conn.Err(); err != nil {
		t.Errorf("expected nil terminal error after local close, got %v", err)
	}

	env, _ := wire.NewEnvelope("/SN1/property/get", map[string]any{})
	if err := conn.Send(env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestServerCloseTerminatesConn(t *testing.T) {
	host, port := startTestServer(t, func(ws *websocket.Conn) {
		// Close immediately after the handshake.
	})

	conn := dialTest(t, host, port)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after server disconnect")
	}

	if err := conn.Err(); err == nil {
		t.Error("expected terminal error after server disconnect")
	}
}

func TestDialFailure(t *testing.T) {
	// Reserve a port and close the listener so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, "127.0.0.1", port, "test-device", DefaultConfig()); err == nil {
		t.Fatal("expected Dial to fail with nothing listening")
	}
}
