package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

const testOrigin = "http://localhost:5173"

// testEnv is a running hub behind an httptest server.
type testEnv struct {
	hub     *Hub
	metrics *metrics.Registry
	server  *httptest.Server
	wsURL   string
}

// startTestEnv applies cfg (defaults when nil), starts a hub and serves the
// application routes. Everything is torn down with the test.
func startTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	SetConfig(cfg)
	t.Cleanup(func() { SetConfig(nil) })

	m := metrics.New()
	hub := NewHub(m)
	go hub.Run()

	srv := httptest.NewServer(SetupRoutes(hub, m))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return &testEnv{
		hub:     hub,
		metrics: m,
		server:  srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// testConn wraps a client connection and splits coalesced frames.
type testConn struct {
	t       *testing.T
	conn    *websocket.Conn
	sid     string
	pending []Envelope
}

func dialWithOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return dialer.Dial(url, header)
}

// connect dials the relay and consumes the connection_response.
func (e *testEnv) connect(t *testing.T) *testConn {
	t.Helper()

	conn, resp, err := dialWithOrigin(e.wsURL, testOrigin)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testConn{t: t, conn: conn}
	env := c.expect("connection_response")
	var data struct {
		Status string `json:"status"`
		SID    string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "connected", data.Status)
	require.NotEmpty(t, data.SID)
	c.sid = data.SID
	return c
}

func (c *testConn) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

// next returns the next envelope, or ok=false when none arrives within wait.
func (c *testConn) next(wait time.Duration) (Envelope, bool) {
	c.t.Helper()
	if len(c.pending) > 0 {
		env := c.pending[0]
		c.pending = c.pending[1:]
		return env, true
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return Envelope{}, false
	}
	for _, part := range bytes.Split(raw, []byte{'\n'}) {
		var env Envelope
		require.NoError(c.t, json.Unmarshal(part, &env))
		c.pending = append(c.pending, env)
	}
	return c.next(wait)
}

// expect skips envelopes until one named event arrives.
func (c *testConn) expect(event string) Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env, ok := c.next(time.Until(deadline))
		if !ok {
			break
		}
		if env.Event == event {
			return env
		}
	}
	c.t.Fatalf("did not receive %q", event)
	return Envelope{}
}

// expectNone fails if an envelope named event arrives within wait.
// A read timeout breaks the connection for further reads, so this must be
// the last read on c.
func (c *testConn) expectNone(event string, wait time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		env, ok := c.next(time.Until(deadline))
		if !ok {
			return
		}
		if env.Event == event {
			c.t.Fatalf("unexpected %q: %s", event, env.Data)
		}
	}
}

func decodeData(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
