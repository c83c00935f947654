// Package chat implements conversation and message business rules:
// find-or-create of pairwise threads, persistence of messages with
// their unread and visibility side effects, and participant access
// control. It never talks to live connections; SendMessage returns the
// persisted message so the caller can relay it afterwards.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/iwork/iwork/store/conversation"
	"github.com/iwork/iwork/store/message"
	"github.com/iwork/iwork/store/user"
)

const (
	// MaxMessageLength is the longest accepted message body, in runes.
	MaxMessageLength = 4096

	maxIDLength         = 128
	defaultWriteTimeout = 10 * time.Second
)

// Config holds the collaborators of a Service. Conversations and
// Messages are required.
type Config struct {
	Conversations conversation.Store
	Messages      message.Store

	// Directory enriches conversation listings with display data. If
	// nil, listings carry bare participant ids.
	Directory user.Directory

	// WriteTimeout bounds a message append. Appends are detached from
	// the caller's cancellation so a sender disconnecting mid-send does
	// not abort the write. Defaults to 10s.
	WriteTimeout time.Duration

	// Logger receives operational messages. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Service implements the conversation and message operations.
type Service struct {
	conversations conversation.Store
	messages      message.Store
	directory     user.Directory
	writeTimeout  time.Duration
	logger        *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Service{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		directory:     cfg.Directory,
		writeTimeout:  writeTimeout,
		logger:        logger,
	}
}

// Delivery is the outcome of a successful send: the persisted message
// and the participant it should be relayed to.
type Delivery struct {
	Message     *message.Message
	RecipientID string
}

// ConversationView is a conversation as listed for one subject, joined
// with participant display data and the context post title.
type ConversationView struct {
	ID           string         `json:"_id"`
	Participants []user.Profile `json:"participants"`
	Post         *user.Post     `json:"postId,omitempty"`
	LastMessage  string         `json:"lastMessage"`
	UnreadBy     []string       `json:"unreadBy"`
	Unread       bool           `json:"unread"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// FindOrCreateConversation returns the thread between requesterID and
// otherID for contextRef ("" for a direct contact), creating it if
// needed. An existing thread the requester had hidden becomes visible
// to them again. The boolean reports whether a new thread was created.
func (s *Service) FindOrCreateConversation(ctx context.Context, requesterID, otherID, contextRef string) (*conversation.Conversation, bool, error) {
	if err := validateIDs(requesterID, otherID); err != nil {
		return nil, false, err
	}
	if contextRef != "" {
		if err := validateIDs(contextRef); err != nil {
			return nil, false, err
		}
	}
	if requesterID == otherID {
		return nil, false, fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}

	// A lost create race is resolved by reading the winner's row, so
	// at most two rounds are needed.
	for attempt := 0; attempt < 2; attempt++ {
		convo, err := s.conversations.FindBetween(ctx, requesterID, otherID, contextRef)
		if err == nil {
			if convo.HiddenFor(requesterID) {
				if err := s.conversations.Unhide(ctx, convo.ID, requesterID); err != nil {
					return nil, false, fmt.Errorf("unhide conversation: %w", err)
				}
				convo.DeletedBy = without(convo.DeletedBy, requesterID)
			}
			return convo, false, nil
		}
		if !errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, false, fmt.Errorf("find conversation: %w", err)
		}

		convo = &conversation.Conversation{
			Participants: []string{requesterID, otherID},
			ContextRef:   contextRef,
		}
		err = s.conversations.Create(ctx, convo)
		if err == nil {
			s.logger.Debug("conversation created",
				"conversation_id", convo.ID,
				"subject_id", requesterID,
				"context_ref", contextRef,
			)
			return convo, true, nil
		}
		if !errors.Is(err, conversation.ErrConversationExists) {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
	}
	return nil, false, fmt.Errorf("create conversation: %w", conversation.ErrConversationExists)
}

// ListConversations returns the threads visible to subjectID, most
// recently active first.
func (s *Service) ListConversations(ctx context.Context, subjectID string) ([]*ConversationView, error) {
	if err := validateIDs(subjectID); err != nil {
		return nil, err
	}

	convos, err := s.conversations.ListVisible(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	profiles, posts := s.lookupDisplayData(ctx, convos)

	views := make([]*ConversationView, 0, len(convos))
	for _, c := range convos {
		view := &ConversationView{
			ID:          c.ID,
			LastMessage: c.LastMessage,
			UnreadBy:    c.UnreadBy,
			Unread:      c.UnreadFor(subjectID),
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
		for _, id := range c.Participants {
			p, ok := profiles[id]
			if !ok {
				p = user.Profile{ID: id}
			}
			view.Participants = append(view.Participants, p)
		}
		if c.ContextRef != "" {
			post, ok := posts[c.ContextRef]
			if !ok {
				post = user.Post{ID: c.ContextRef}
			}
			view.Post = &post
		}
		views = append(views, view)
	}
	return views, nil
}

// lookupDisplayData is a best-effort join; a directory failure degrades
// the listing to bare ids instead of failing it.
func (s *Service) lookupDisplayData(ctx context.Context, convos []*conversation.Conversation) (map[string]user.Profile, map[string]user.Post) {
	if s.directory == nil || len(convos) == 0 {
		return nil, nil
	}

	var subjectIDs, postIDs []string
	seen := make(map[string]bool)
	for _, c := range convos {
		for _, id := range c.Participants {
			if !seen[id] {
				seen[id] = true
				subjectIDs = append(subjectIDs, id)
			}
		}
		if c.ContextRef != "" && !seen["post:"+c.ContextRef] {
			seen["post:"+c.ContextRef] = true
			postIDs = append(postIDs, c.ContextRef)
		}
	}

	profiles, err := s.directory.Profiles(ctx, subjectIDs)
	if err != nil {
		s.logger.Warn("profile lookup failed", "error", err)
	}
	posts, err := s.directory.Posts(ctx, postIDs)
	if err != nil {
		s.logger.Warn("post lookup failed", "error", err)
	}
	return profiles, posts
}

// ListMessages returns a conversation's messages oldest first. Only
// participants may read them.
func (s *Service) ListMessages(ctx context.Context, requesterID, conversationID string) ([]*message.Message, error) {
	if _, err := s.participantConversation(ctx, requesterID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// SendMessage persists a message from senderID and records it on the
// conversation: the thread becomes visible to both participants again
// and the recipient is marked unread. The returned Delivery is only
// produced after the write has committed.
func (s *Service) SendMessage(ctx context.Context, senderID, conversationID, text string) (*Delivery, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", ErrValidation, MaxMessageLength)
	}

	convo, err := s.participantConversation(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	recipientID := convo.OtherParticipant(senderID)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	msg := &message.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
	}
	if err := s.messages.Append(writeCtx, msg, recipientID); err != nil {
		if errors.Is(err, message.ErrConversationNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.logger.Debug("message persisted",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"subject_id", senderID,
	)
	return &Delivery{Message: msg, RecipientID: recipientID}, nil
}

// MarkRead clears subjectID's unread flag on a conversation. It is
// idempotent and does not fail for unknown conversations.
func (s *Service) MarkRead(ctx context.Context, subjectID, conversationID string) error {
	if err := validateIDs(subjectID, conversationID); err != nil {
		return err
	}
	if err := s.conversations.MarkRead(ctx, conversationID, subjectID); err != nil &&
		!errors.Is(err, conversation.ErrConversationNotFound) {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// HideConversation soft-deletes a conversation from subjectID's list.
// Messages and the other participant's view are untouched.
func (s *Service) HideConversation(ctx context.Context, subjectID, conversationID string) error {
	if _, err := s.participantConversation(ctx, subjectID, conversationID); err != nil {
		return err
	}
	if err := s.conversations.Hide(ctx, conversationID, subjectID); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return fmt.Errorf("hide conversation: %w", err)
	}
	return nil
}

func (s *Service) participantConversation(ctx context.Context, subjectID, conversationID string) (*conversation.Conversation, error) {
	if err := validateIDs(subjectID, conversationID); err != nil {
		return nil, err
	}
	convo, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !convo.HasParticipant(subjectID) {
		return nil, fmt.Errorf("%w: not a participant of conversation %s", ErrForbidden, conversationID)
	}
	return convo, nil
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: identifier is empty", ErrValidation)
		}
		if len(id) > maxIDLength {
			return fmt.Errorf("%w: identifier too long", ErrValidation)
		}
		if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
			return fmt.Errorf("%w: malformed identifier %q", ErrValidation, id)
		}
	}
	return nil
}

func without(set []string, value string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
