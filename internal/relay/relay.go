// Package relay implements the presence and conversation event handlers.
//
// Handlers validate an inbound payload, update the presence registry where
// relevant, and emit the resulting event through a Transport. Rejections are
// silent towards the sender; every call returns an Outcome instead.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/presence"
)

// ErrUnknownEvent is the reason attached to events without a handler.
var ErrUnknownEvent = errors.New("relay: unknown event")

// Emission describes one outbound event. When To is set only that session
// receives it. Otherwise Room selects the members of a room, or every
// connection when Room is empty. Exclude removes one session from a room or
// global emission.
type Emission struct {
	Event   string
	Payload any
	To      string
	Room    string
	Exclude string
}

// Transport is the connection layer the relay emits through.
type Transport interface {
	JoinRoom(session, room string) error
	LeaveRoom(session, room string) error
	// Emit queues e for its targets and reports how many connections it
	// was queued to.
	Emit(e Emission) (int, error)
}

// Options carries optional collaborators. Nil fields are ignored.
type Options struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type handlerFunc func(session string, data json.RawMessage) Outcome

// Relay dispatches inbound events for many sessions concurrently. Calls for a
// single session are expected to arrive in order from one goroutine.
type Relay struct {
	transport Transport
	presence  *presence.Registry
	metrics   *metrics.Registry
	log       *slog.Logger
	handlers  map[string]handlerFunc
}

// New builds a Relay over transport and registry.
func New(transport Transport, registry *presence.Registry, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		transport: transport,
		presence:  registry,
		metrics:   opts.Metrics,
		log:       logger.With("component", "relay"),
	}
	r.handlers = map[string]handlerFunc{
		EventUserOnline:        r.userOnline,
		EventJoinConversation:  r.joinConversation,
		EventLeaveConversation: r.leaveConversation,
		EventSendMessage:       r.sendMessage,
		EventTyping:            r.typing,
		EventMessageRead:       r.messageRead,
		EventVoiceCallRequest:  r.voiceCallRequest,
	}
	return r
}

// Presence returns the registry the relay writes to.
func (r *Relay) Presence() *presence.Registry {
	return r.presence
}

// Connect opens session in the registry and sends it a connection_response.
func (r *Relay) Connect(session string) Outcome {
	return r.guard(lifecycleConnect, session, func() Outcome {
		r.presence.Open(session)
		r.log.Info("client connected", "session", session)
		return r.emit(Emission{
			Event:   EventConnectionResponse,
			Payload: ConnectionResponse{Status: "connected", SessionID: session},
			To:      session,
		})
	})
}

// Disconnect removes session from the registry and, if a user was attached,
// announces user_offline to every connection with the user id as the client
// sent it. It must be called once per session.
func (r *Relay) Disconnect(session string) Outcome {
	return r.guard(lifecycleDisconnect, session, func() Outcome {
		userID, encoded, ok := r.presence.RemoveEncoded(session)
		if !ok {
			r.log.Info("client disconnected", "session", session)
			return delivered(0)
		}
		r.log.Info("client disconnected", "session", session, "user_id", userID,
			"other_sessions", len(r.presence.Sessions(userID)))

		id := StringID(userID)
		if encoded != nil {
			id = RawID(encoded)
		}
		return r.emit(Emission{
			Event:   EventUserOffline,
			Payload: Presence{UserID: id},
		})
	})
}

// Dispatch runs the handler registered for event. Panics are recovered and
// reported as Failed.
func (r *Relay) Dispatch(session, event string, data json.RawMessage) Outcome {
	h, ok := r.handlers[event]
	if !ok {
		out := dropped(ErrUnknownEvent.Error())
		r.record(unknownEvent, session, out)
		return out
	}
	return r.guard(event, session, func() Outcome {
		return h(session, data)
	})
}

func (r *Relay) guard(event, session string, fn func() Outcome) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = failed(fmt.Errorf("panic in %s handler: %v", event, p))
		}
		r.record(event, session, out)
	}()
	return fn()
}

func (r *Relay) record(event, session string, out Outcome) {
	if r.metrics != nil {
		r.metrics.ObserveEvent(event, out.Kind.String())
	}
	switch out.Kind {
	case Failed:
		r.log.Warn("event failed", "event", event, "session", session, "err", out.Err)
	case Dropped:
		r.log.Debug("event dropped", "event", event, "session", session, "reason", out.Reason)
	default:
		r.log.Debug("event delivered", "event", event, "session", session, "recipients", out.Recipients)
	}
}

func (r *Relay) emit(e Emission) Outcome {
	n, err := r.transport.Emit(e)
	if err != nil {
		return failed(fmt.Errorf("emit %s: %w", e.Event, err))
	}
	return delivered(n)
}

// decode unmarshals data into v. ok is false and out holds the drop outcome
// when the payload is missing or not an object of the expected shape.
func decode(data json.RawMessage, v any) (out Outcome, ok bool) {
	if len(data) == 0 || string(data) == "null" {
		return dropped("missing payload"), false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return dropped("malformed payload: " + err.Error()), false
	}
	return Outcome{}, true
}

func (r *Relay) userOnline(session string, data json.RawMessage) Outcome {
	var p Presence
	if out, ok := decode(data, &p); !ok {
		return out
	}
	if p.UserID.Empty() {
		return dropped("missing user_id")
	}
	if err := r.presence.SetOnlineEncoded(session, p.UserID.Key(), p.UserID.Raw()); err != nil {
		switch {
		case errors.Is(err, presence.ErrEmptyUser):
			return dropped("missing user_id")
		case errors.Is(err, presence.ErrSessionClosed):
			return dropped("session closed")
		default:
			return failed(err)
		}
	}
	r.log.Info("user online", "user_id", p.UserID, "session", session)
	return r.emit(Emission{Event: EventUserOnline, Payload: Presence{UserID: p.UserID}})
}

func (r *Relay) joinConversation(session string, data json.RawMessage) Outcome {
	var m Membership
	if out, ok := decode(data, &m); !ok {
		return out
	}
	if m.ConversationID.Empty() || m.UserID.Empty() {
		return dropped("missing conversation_id or user_id")
	}
	room := m.ConversationID.Key()
	if err := r.transport.JoinRoom(session, room); err != nil {
		return failed(fmt.Errorf("join %s: %w", room, err))
	}
	r.log.Info("joined conversation", "user_id", m.UserID, "conversation_id", room)
	return r.emit(Emission{
		Event:   EventJoinedConversation,
		Payload: Membership{ConversationID: m.ConversationID, UserID: m.UserID},
		Room:    room,
	})
}

// leaveConversation emits nothing; user_id is only logged.
func (r *Relay) leaveConversation(session string, data json.RawMessage) Outcome {
	var m Membership
	if out, ok := decode(data, &m); !ok {
		return out
	}
	if m.ConversationID.Empty() {
		return dropped("missing conversation_id")
	}
	room := m.ConversationID.Key()
	if err := r.transport.LeaveRoom(session, room); err != nil {
		return failed(fmt.Errorf("leave %s: %w", room, err))
	}
	r.log.Info("left conversation", "user_id", m.UserID, "conversation_id", room)
	return delivered(0)
}

func (r *Relay) sendMessage(_ string, data json.RawMessage) Outcome {
	var m MessageRef
	if out, ok := decode(data, &m); !ok {
		return out
	}
	if m.ConversationID.Empty() {
		return dropped("missing conversation_id")
	}
	return r.emit(Emission{
		Event:   EventNewMessage,
		Payload: data,
		Room:    m.ConversationID.Key(),
	})
}

var typingDefault = json.RawMessage("true")

func (r *Relay) typing(session string, data json.RawMessage) Outcome {
	var t Typing
	if out, ok := decode(data, &t); !ok {
		return out
	}
	if t.ConversationID.Empty() || t.UserID.Empty() {
		return dropped("missing conversation_id or user_id")
	}
	isTyping := t.IsTyping
	if len(isTyping) == 0 {
		isTyping = typingDefault
	}
	return r.emit(Emission{
		Event:   EventUserTyping,
		Payload: UserTyping{ConversationID: t.ConversationID, UserID: t.UserID, IsTyping: isTyping},
		Room:    t.ConversationID.Key(),
		Exclude: session,
	})
}

func (r *Relay) messageRead(_ string, data json.RawMessage) Outcome {
	var rr ReadReceipt
	if out, ok := decode(data, &rr); !ok {
		return out
	}
	if rr.ConversationID.Empty() || rr.MessageID.Empty() || rr.UserID.Empty() {
		return dropped("missing conversation_id, message_id or user_id")
	}
	return r.emit(Emission{
		Event:   EventMessageRead,
		Payload: MessageRead{MessageID: rr.MessageID, UserID: rr.UserID},
		Room:    rr.ConversationID.Key(),
	})
}

func (r *Relay) voiceCallRequest(session string, data json.RawMessage) Outcome {
	var c CallRequest
	if out, ok := decode(data, &c); !ok {
		return out
	}
	if c.ConversationID.Empty() || c.CallerID.Empty() {
		return dropped("missing conversation_id or caller_id")
	}
	r.log.Info("call request", "caller_id", c.CallerID, "conversation_id", c.ConversationID)
	return r.emit(Emission{
		Event:   EventIncomingCall,
		Payload: CallRequest{ConversationID: c.ConversationID, CallerID: c.CallerID},
		Room:    c.ConversationID.Key(),
		Exclude: session,
	})
}
