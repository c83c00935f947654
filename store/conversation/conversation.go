package conversation

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Conversation represents a pairwise thread between two subjects,
// optionally scoped to the post that prompted it.
type Conversation struct {
	ID           string    `json:"_id" bson:"_id"`
	Participants []string  `json:"participants" bson:"participants"`
	ContextRef   string    `json:"postId,omitempty" bson:"context_ref"`
	LastMessage  string    `json:"lastMessage" bson:"last_message"`
	DeletedBy    []string  `json:"deletedBy" bson:"deleted_by"`
	UnreadBy     []string  `json:"unreadBy" bson:"unread_by"`
	CreatedAt    time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updated_at"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned by Create when another writer
	// created the same (pair, context) thread first.
	ErrConversationExists = errors.New("conversation already exists")
)

// HasParticipant reports whether subjectID is one of the two participants.
func (c *Conversation) HasParticipant(subjectID string) bool {
	return slices.Contains(c.Participants, subjectID)
}

// OtherParticipant returns the participant that is not subjectID.
func (c *Conversation) OtherParticipant(subjectID string) string {
	for _, p := range c.Participants {
		if p != subjectID {
			return p
		}
	}
	return ""
}

// HiddenFor reports whether subjectID has soft-deleted the thread.
func (c *Conversation) HiddenFor(subjectID string) bool {
	return slices.Contains(c.DeletedBy, subjectID)
}

// UnreadFor reports whether subjectID has unread messages in the thread.
func (c *Conversation) UnreadFor(subjectID string) bool {
	return slices.Contains(c.UnreadBy, subjectID)
}

// PairKey returns an order-independent key for a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Store defines conversation persistence operations.
//
// Message appends, which also touch the conversation row, live on
// message.Store so both writes commit together.
type Store interface {
	// FindBetween returns the thread whose participant set is exactly
	// {a, b} and whose context equals contextRef ("" matches absent).
	FindBetween(ctx context.Context, a, b, contextRef string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// Create inserts convo, assigning ID and timestamps.
	Create(ctx context.Context, convo *Conversation) error
	// ListVisible returns threads where subjectID participates and has
	// not hidden them, newest updatedAt first.
	ListVisible(ctx context.Context, subjectID string) ([]*Conversation, error)
	// Hide adds subjectID to deletedBy.
	Hide(ctx context.Context, id, subjectID string) error
	// Unhide removes subjectID from deletedBy.
	Unhide(ctx context.Context, id, subjectID string) error
	// MarkRead removes subjectID from unreadBy. Missing rows are not an error.
	MarkRead(ctx context.Context, id, subjectID string) error
}
