package relay

import "encoding/json"

// Inbound event names.
const (
	EventUserOnline        = "user_online"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventMessageRead       = "message_read"
	EventVoiceCallRequest  = "voice_call_request"
)

// Outbound event names. user_online and message_read are reused as-is.
const (
	EventConnectionResponse = "connection_response"
	EventUserOffline        = "user_offline"
	EventJoinedConversation = "joined_conversation"
	EventNewMessage         = "new_message"
	EventUserTyping         = "user_typing"
	EventIncomingCall       = "incoming_call"
)

// Lifecycle names used for metrics and logs.
const (
	lifecycleConnect    = "connect"
	lifecycleDisconnect = "disconnect"
	unknownEvent        = "unknown"
)

// ConnectionResponse is sent to a session right after it connects.
type ConnectionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sid"`
}

// Presence is the payload of user_online (both directions) and user_offline.
type Presence struct {
	UserID ID `json:"user_id"`
}

// Membership is the payload of join_conversation, leave_conversation and
// joined_conversation.
type Membership struct {
	ConversationID ID `json:"conversation_id"`
	UserID         ID `json:"user_id"`
}

// MessageRef is the inbound subset of send_message that the relay inspects.
// The outbound new_message carries the original bytes.
type MessageRef struct {
	ConversationID ID `json:"conversation_id"`
}

// Typing is the inbound typing payload. IsTyping is empty when absent and
// is forwarded as sent otherwise.
type Typing struct {
	ConversationID ID              `json:"conversation_id"`
	UserID         ID              `json:"user_id"`
	IsTyping       json.RawMessage `json:"is_typing"`
}

// UserTyping is emitted to the other members of a conversation.
type UserTyping struct {
	ConversationID ID              `json:"conversation_id"`
	UserID         ID              `json:"user_id"`
	IsTyping       json.RawMessage `json:"is_typing"`
}

// ReadReceipt is the inbound message_read payload.
type ReadReceipt struct {
	ConversationID ID `json:"conversation_id"`
	MessageID      ID `json:"message_id"`
	UserID         ID `json:"user_id"`
}

// MessageRead is the outbound message_read payload.
type MessageRead struct {
	MessageID ID `json:"message_id"`
	UserID    ID `json:"user_id"`
}

// CallRequest is the payload of voice_call_request and incoming_call.
type CallRequest struct {
	ConversationID ID `json:"conversation_id"`
	CallerID       ID `json:"caller_id"`
}
