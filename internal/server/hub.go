// Package server coordinates client registration, room membership, event
// fan-out and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/relay"
)

// ErrUnknownSession is returned by room operations for sessions the hub does
// not hold.
var ErrUnknownSession = errors.New("hub: unknown session")

// Hub owns every live Client and the room table. It is the relay's Transport:
// the relay calls JoinRoom, LeaveRoom and Emit, and the hub calls the relay's
// Connect, Dispatch and Disconnect from the client lifecycle.
type Hub struct {
	clients    map[string]*Client
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	relay   *relay.Relay
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewHub creates a Hub with its own presence registry and relay. m may be nil.
func NewHub(m *metrics.Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		metrics:    m,
		log:        slog.Default().With("component", "hub"),
	}
	h.relay = relay.New(h, presence.NewRegistry(), relay.Options{Metrics: m})

	if m != nil {
		m.RegisterGauge("sessions", "Connections currently registered with the hub.", func() float64 {
			return float64(h.ClientCount())
		})
		m.RegisterGauge("rooms", "Conversation rooms with at least one member.", func() float64 {
			return float64(h.RoomCount())
		})
		m.RegisterGauge("online_sessions", "Sessions that announced a user.", func() float64 {
			return float64(h.Presence().Len())
		})
		m.RegisterGauge("online_users", "Distinct users with at least one session.", func() float64 {
			return float64(h.Presence().Users())
		})
	}
	return h
}

// Presence returns the registry of sessions that announced a user.
func (h *Hub) Presence() *presence.Registry {
	return h.relay.Presence()
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms)
}

// roomMembers returns the sessions currently in room.
func (h *Hub) roomMembers(room string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := make([]string, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c.id)
	}
	return members
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It blocks until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.attach(client)

		case client := <-h.unregister:
			h.release(client)
		}
	}
}

func (h *Hub) attach(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Add(1)
	}
	h.log.Info("client registered", "session", client.id, "addr", client.addr, "clients", clientCount)

	// Connect queues connection_response before the pumps start, so it is
	// always the first frame the client sees.
	h.relay.Connect(client.id)

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// release detaches client and runs the disconnect lifecycle. It is a no-op
// for clients that were already detached, so disconnect runs once per session.
func (h *Hub) release(client *Client) {
	if client == nil || !h.detach(client) {
		return
	}
	if h.metrics != nil {
		h.metrics.Disconnects.Add(1)
	}
	h.relay.Disconnect(client.id)
}

// detach removes client from the client table and every room, then closes its
// send channel. It reports whether this call did the removal.
func (h *Hub) detach(client *Client) bool {
	h.mutex.Lock()
	if current, ok := h.clients[client.id]; !ok || current != client {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client.id)
	for room := range client.rooms {
		h.removeFromRoomLocked(client, room)
	}
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.log.Info("client unregistered", "session", client.id, "addr", client.addr, "clients", clientCount)
	return true
}

// attached reports whether client is still the registered holder of its
// session. It turns false as soon as the client is unregistered or evicted.
func (h *Hub) attached(client *Client) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.clients[client.id] == client && !client.closed
}

// removeFromRoomLocked must be called with mutex held.
func (h *Hub) removeFromRoomLocked(client *Client, room string) {
	members := h.rooms[room]
	delete(members, client)
	delete(client.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// JoinRoom adds session to room.
func (h *Hub) JoinRoom(session, room string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[session]
	if !ok {
		return ErrUnknownSession
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
	return nil
}

// LeaveRoom removes session from room. Leaving a room the session is not in
// is not an error.
func (h *Hub) LeaveRoom(session, room string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[session]
	if !ok {
		return ErrUnknownSession
	}
	h.removeFromRoomLocked(client, room)
	return nil
}

// Emit encodes e once and queues it to its targets. Clients whose send buffer
// is full are evicted; delivery to the rest continues.
func (h *Hub) Emit(e relay.Emission) (int, error) {
	frame, err := encodeFrame(e.Event, e.Payload)
	if err != nil {
		return 0, err
	}

	targets := h.targets(e)
	delivered, failed := h.broadcastToClients(targets, frame)
	if h.metrics != nil {
		h.metrics.Frames.Add(int64(delivered))
	}
	h.removeFailedClients(failed)
	return delivered, nil
}

// targets returns a snapshot of the clients selected by e.
func (h *Hub) targets(e relay.Emission) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if e.To != "" {
		if client, ok := h.clients[e.To]; ok {
			return []*Client{client}
		}
		return nil
	}

	var out []*Client
	if e.Room != "" {
		out = make([]*Client, 0, len(h.rooms[e.Room]))
		for client := range h.rooms[e.Room] {
			if client.id != e.Exclude {
				out = append(out, client)
			}
		}
		return out
	}

	out = make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		if id != e.Exclude {
			out = append(out, client)
		}
	}
	return out
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic in safeSend", "session", client.id, "panic", r)
		}
	}()

	// Holding the read lock keeps detach from closing the channel mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, exists := h.clients[client.id]; !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// broadcastToClients queues message to clients and returns the delivered count
// and the clients whose buffer was full. Clients that left between the
// snapshot and the send are skipped silently.
func (h *Hub) broadcastToClients(clients []*Client, message []byte) (int, []*Client) {
	var failed []*Client
	delivered := 0

	for _, client := range clients {
		if h.safeSend(client, message) {
			delivered++
			continue
		}
		h.mutex.RLock()
		stillRegistered := h.clients[client.id] == client && !client.closed
		h.mutex.RUnlock()
		if stillRegistered {
			failed = append(failed, client)
		}
	}
	return delivered, failed
}

// removeFailedClients evicts slow clients. Closing the send channel makes the
// write pump close the connection, which in turn ends the read pump.
func (h *Hub) removeFailedClients(clients []*Client) {
	for _, client := range clients {
		if !h.detach(client) {
			continue
		}
		h.log.Warn("client removed due to full send buffer", "session", client.id, "addr", client.addr)
		if h.metrics != nil {
			h.metrics.Evictions.Add(1)
			h.metrics.Disconnects.Add(1)
		}
		h.relay.Disconnect(client.id)
	}
}

// shutdownClients detaches every client, runs their disconnect lifecycle and
// closes their connections.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.release(client)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("error closing client connection", "session", client.id, "err", err)
			}
		}
	}

	h.log.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for all pump goroutines to finish, or
// until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
