package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quietPeriod = 300 * time.Millisecond

// joinBoth puts a and b in conv and waits until both memberships are visible.
func joinBoth(t *testing.T, a, b *testConn, conv string) {
	t.Helper()
	a.send("join_conversation", map[string]string{"conversation_id": conv, "user_id": "u1"})
	a.expect("joined_conversation")
	b.send("join_conversation", map[string]string{"conversation_id": conv, "user_id": "u2"})
	b.expect("joined_conversation")
	a.expect("joined_conversation")
}

func TestConnectionResponseCarriesSessionID(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)

	assert.NotEqual(t, a.sid, b.sid)
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, env.hub.Presence().IsOpen(a.sid))
}

func TestSendMessageReachesSenderAndPeer(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	a.send("send_message", map[string]string{"conversation_id": "conv1", "text": "hi"})

	want := map[string]any{"conversation_id": "conv1", "text": "hi"}
	assert.Equal(t, want, decodeData(t, a.expect("new_message")))
	assert.Equal(t, want, decodeData(t, b.expect("new_message")))
}

func TestJoinedConversationIncludesJoiner(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	outsider := env.connect(t)

	a.send("join_conversation", map[string]string{"conversation_id": "conv1", "user_id": "u1"})
	got := decodeData(t, a.expect("joined_conversation"))
	assert.Equal(t, map[string]any{"conversation_id": "conv1", "user_id": "u1"}, got)

	outsider.expectNone("joined_conversation", quietPeriod)
}

func TestTypingOnlyReachesOthers(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	a.send("typing", map[string]any{"conversation_id": "conv1", "user_id": "u1", "is_typing": true})

	got := decodeData(t, b.expect("user_typing"))
	assert.Equal(t, map[string]any{"conversation_id": "conv1", "user_id": "u1", "is_typing": true}, got)
	a.expectNone("user_typing", quietPeriod)
}

func TestVoiceCallRequestOnlyReachesOthers(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	a.send("voice_call_request", map[string]string{"conversation_id": "conv1", "caller_id": "u1"})

	got := decodeData(t, b.expect("incoming_call"))
	assert.Equal(t, map[string]any{"conversation_id": "conv1", "caller_id": "u1"}, got)
	a.expectNone("incoming_call", quietPeriod)
}

func TestMessageReadReachesWholeRoom(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	b.send("message_read", map[string]string{"conversation_id": "conv1", "message_id": "m1", "user_id": "u2"})

	want := map[string]any{"message_id": "m1", "user_id": "u2"}
	assert.Equal(t, want, decodeData(t, a.expect("message_read")))
	assert.Equal(t, want, decodeData(t, b.expect("message_read")))
}

func TestSendMessageWithoutConversationIsDropped(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	a.send("send_message", map[string]string{"text": "hi"})

	require.Eventually(t, func() bool {
		return env.metrics.EventCount("send_message", "dropped") == 1
	}, time.Second, 10*time.Millisecond)
	b.expectNone("new_message", quietPeriod)
}

func TestLeaveConversationStopsDelivery(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	b.send("leave_conversation", map[string]string{"conversation_id": "conv1", "user_id": "u2"})
	require.Eventually(t, func() bool {
		return len(env.hub.roomMembers("conv1")) == 1
	}, time.Second, 10*time.Millisecond)

	a.send("send_message", map[string]string{"conversation_id": "conv1", "text": "still here?"})
	a.expect("new_message")
	b.expectNone("new_message", quietPeriod)
}

func TestUserOnlineAndOfflineAreGlobal(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)

	a.send("user_online", map[string]string{"user_id": "u1"})
	assert.Equal(t, "u1", decodeData(t, b.expect("user_online"))["user_id"])
	assert.Equal(t, "u1", decodeData(t, a.expect("user_online"))["user_id"])

	require.NoError(t, a.conn.Close())

	assert.Equal(t, "u1", decodeData(t, b.expect("user_offline"))["user_id"])
	b.expectNone("user_offline", quietPeriod)

	_, ok := env.hub.Presence().Lookup(a.sid)
	assert.False(t, ok)
	assert.False(t, env.hub.Presence().IsOpen(a.sid))
}

func TestDisconnectCleansRooms(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	require.NoError(t, b.conn.Close())

	require.Eventually(t, func() bool {
		return len(env.hub.roomMembers("conv1")) == 1 && env.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{a.sid}, env.hub.roomMembers("conv1"))
}

func TestManyClientsDisconnectingConcurrently(t *testing.T) {
	env := startTestEnv(t, nil)
	const n = 10

	conns := make([]*testConn, n)
	for i := range conns {
		conns[i] = env.connect(t)
		conns[i].send("user_online", map[string]string{"user_id": "shared"})
	}
	require.Eventually(t, func() bool { return env.hub.Presence().Len() == n }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.hub.Presence().Users())

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *testConn) {
			defer wg.Done()
			_ = c.conn.Close()
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return env.hub.ClientCount() == 0 && env.hub.Presence().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(n), env.metrics.Disconnects.Load())
}

func TestInvalidFramesAreIgnored(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	a.send("no_such_event", map[string]string{})

	a.send("user_online", map[string]string{"user_id": "u1"})
	a.expect("user_online")
	assert.Equal(t, int64(1), env.metrics.EventCount("unknown", "dropped"))
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	cfg := NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	env := startTestEnv(t, cfg)
	a := env.connect(t)

	for i := 0; i < 5; i++ {
		a.send("user_online", map[string]string{"user_id": "u1"})
	}

	require.Eventually(t, func() bool {
		return env.metrics.RateLimited.Load() == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), env.metrics.EventCount("user_online", "delivered"))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxMessageSize = 64
	env := startTestEnv(t, cfg)
	a := env.connect(t)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	a.send("send_message", map[string]string{"conversation_id": "conv1", "text": string(big)})

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDefaultLimitAcceptsLongChatMessage(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)
	joinBoth(t, a, b, "conv1")

	text := strings.Repeat("long message ", 2000)
	a.send("send_message", map[string]string{"conversation_id": "conv1", "text": text})

	assert.Equal(t, text, decodeData(t, b.expect("new_message"))["text"])
}

func TestNumericIdentifiersOverWebSocket(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	b := env.connect(t)

	a.send("user_online", map[string]int{"user_id": 7})
	assert.Equal(t, float64(7), decodeData(t, b.expect("user_online"))["user_id"])

	a.send("join_conversation", map[string]int{"conversation_id": 42, "user_id": 7})
	a.expect("joined_conversation")
	b.send("join_conversation", map[string]any{"conversation_id": "42", "user_id": 8})
	b.expect("joined_conversation")

	a.send("typing", map[string]int{"conversation_id": 42, "user_id": 7, "is_typing": 1})
	got := decodeData(t, b.expect("user_typing"))
	assert.Equal(t, map[string]any{"conversation_id": float64(42), "user_id": float64(7), "is_typing": float64(1)}, got)
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	env := startTestEnv(t, nil)

	conn, resp, err := dialWithOrigin(env.wsURL, "http://evil.example")
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWildcardOriginAllowsMissingOrigin(t *testing.T) {
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	env := startTestEnv(t, cfg)

	conn, resp, err := dialWithOrigin(env.wsURL, "")
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	_ = conn.Close()
}

func TestShutdownClosesClientsAndClearsPresence(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	a.send("user_online", map[string]string{"user_id": "u1"})
	a.expect("user_online")

	require.NoError(t, env.hub.Shutdown(2*time.Second))

	_ = a.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, env.hub.Presence().Len())
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestHealthReportsOnlineUsers(t *testing.T) {
	env := startTestEnv(t, nil)
	a := env.connect(t)
	a.send("user_online", map[string]string{"user_id": "u1"})
	a.expect("user_online")

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "healthy", OnlineUsers: 1}, body)
}

func TestMetricsEndpoint(t *testing.T) {
	env := startTestEnv(t, nil)
	env.connect(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "relay_connections_total 1")
	assert.Contains(t, string(raw), "relay_sessions 1")
}
