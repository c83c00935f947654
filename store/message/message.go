package message

import (
	"context"
	"errors"
	"time"
)

// Message is a single chat message. It is created once and never
// mutated.
type Message struct {
	ID             string    `json:"_id" bson:"_id"`
	ConversationID string    `json:"conversationId" bson:"conversation_id"`
	SenderID       string    `json:"senderId" bson:"sender_id"`
	Text           string    `json:"text" bson:"text"`
	CreatedAt      time.Time `json:"createdAt" bson:"created_at"`
}

var (
	// ErrConversationNotFound is returned by Append when the owning
	// conversation no longer exists.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store defines message persistence operations.
type Store interface {
	// Append persists msg, assigning ID and CreatedAt, and records it on
	// the owning conversation in the same unit of work: lastMessage and
	// updatedAt are set from msg, deletedBy is cleared and recipientID
	// is added to unreadBy. Either both writes are visible or neither.
	Append(ctx context.Context, msg *Message, recipientID string) error
	// ListByConversation returns messages oldest first, ties broken by
	// insertion order.
	ListByConversation(ctx context.Context, conversationID string) ([]*Message, error)
}
