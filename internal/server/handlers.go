// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, metrics, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// Version is reported by the info endpoint.
const Version = "2.0.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET requests to WebSocket and registers the new
// client with the hub, which starts its pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close()
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	OnlineUsers int    `json:"online_users"`
}

// HealthHandler reports liveness and the number of sessions that announced
// a user.
func (h *Hub) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		OnlineUsers: h.Presence().Len(),
	})
}

type presenceResponse struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	Sessions int    `json:"sessions"`
}

// PresenceHandler reports whether the user named by the :user_id route
// parameter has a live session, and on how many devices.
func (h *Hub) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := httprouter.ParamsFromContext(r.Context()).ByName("user_id")
	p := h.Presence()
	writeJSON(w, http.StatusOK, presenceResponse{
		UserID:   userID,
		Online:   p.IsOnline(userID),
		Sessions: len(p.Sessions(userID)),
	})
}

type infoResponse struct {
	Message  string   `json:"message"`
	Version  string   `json:"version"`
	Status   string   `json:"status"`
	Features []string `json:"features"`
}

// InfoHandler describes the service.
func InfoHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Message: "GoChat presence relay",
		Version: Version,
		Status:  "running",
		Features: []string{
			"Conversation rooms",
			"Read receipts",
			"Typing indicators",
			"Online status",
			"Voice call signaling",
		},
	})
}

// MetricsHandler serves m in the Prometheus text exposition format.
func MetricsHandler(m *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", metrics.ContentType)
		if err := m.WriteText(w); err != nil {
			slog.Error("error writing metrics", "err", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error writing JSON response", "err", err)
	}
}

// TestPageHandler serves an HTML page for exercising the relay by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		slog.Error("error writing HTML response", "err", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 420px; padding: 5px; margin-right: 10px; }
        select, button { padding: 5px 15px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <select id="event">
            <option>user_online</option>
            <option>join_conversation</option>
            <option>leave_conversation</option>
            <option>send_message</option>
            <option>typing</option>
            <option>message_read</option>
            <option>voice_call_request</option>
        </select>
        <input type="text" id="data" value='{"user_id": "u1"}'>
        <button id="sendButton" onclick="send()" disabled>Send</button>
        <button id="connectButton" onclick="toggle()">Connect</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');

        function log(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function setConnected(on) {
            const s = document.getElementById('status');
            s.textContent = on ? 'Connected' : 'Disconnected';
            s.className = 'status ' + (on ? 'connected' : 'disconnected');
            document.getElementById('sendButton').disabled = !on;
            document.getElementById('connectButton').textContent = on ? 'Disconnect' : 'Connect';
        }

        function toggle() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => setConnected(true);
            ws.onclose = () => { setConnected(false); ws = null; };
            ws.onmessage = (e) => e.data.split('\n').forEach((f) => log('< ' + f, 'green'));
        }

        function send() {
            let data;
            try {
                data = JSON.parse(document.getElementById('data').value);
            } catch (err) {
                log('invalid JSON: ' + err, 'red');
                return;
            }
            const frame = JSON.stringify({event: document.getElementById('event').value, data: data});
            ws.send(frame);
            log('> ' + frame, 'blue');
        }
    </script>
</body>
</html>`
