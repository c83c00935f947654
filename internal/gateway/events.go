package gateway

import (
	"errors"

	"github.com/iwork/iwork/internal/chat"
)

// Event names of the realtime wire vocabulary.
const (
	EventGetOnlineUsers       = "getOnlineUsers"
	EventSendMessage          = "sendMessage"
	EventMessageSent          = "messageSent"
	EventReceiveMessage       = "receiveMessage"
	EventRefreshConversations = "refreshConversations"
	EventMarkRead             = "markRead"
	EventUpdateUnreadCounters = "updateUnreadCounters"
	EventError                = "error"
)

// Event is the envelope of every frame: {"event": name, "data": payload}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// RefreshConversations tells a client its conversation list changed.
type RefreshConversations struct {
	ConversationID string `json:"conversationId"`
	LastMessage    string `json:"lastMessage"`
}

// ErrorPayload reports a failed inbound event back to its sender.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inbound is the union of client-originated payloads. RecipientID is
// accepted for compatibility and ignored; the recipient is derived from
// the conversation.
type inbound struct {
	Event string `json:"event"`
	Data  struct {
		ConversationID string `json:"conversationId"`
		RecipientID    string `json:"recipientId,omitempty"`
		Text           string `json:"text"`
	} `json:"data"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}

func errorEvent(event string, err error) Event {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return Event{Name: EventError, Data: ErrorPayload{Event: event, Code: code, Message: msg}}
}
