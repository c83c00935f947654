// Package memory provides process-local implementations of the
// conversation, message and directory stores. It backs the "memory"
// store driver and the service tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iwork/iwork/store/conversation"
	"github.com/iwork/iwork/store/message"
	"github.com/iwork/iwork/store/user"
)

// Store holds every collection behind one mutex, which also makes
// Append atomic across conversations and messages.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	conversations map[string]*conversationRow
	messages      map[string][]*messageRow
	profiles      map[string]user.Profile
	posts         map[string]user.Post
}

type conversationRow struct {
	convo conversation.Conversation
	seq   int64
}

type messageRow struct {
	msg message.Message
	seq int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*conversationRow),
		messages:      make(map[string][]*messageRow),
		profiles:      make(map[string]user.Profile),
		posts:         make(map[string]user.Post),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conversations returns the conversation.Store view.
func (s *Store) Conversations() conversation.Store { return (*conversationStore)(s) }

// Messages returns the message.Store view.
func (s *Store) Messages() message.Store { return (*messageStore)(s) }

// Directory returns the user.Directory view.
func (s *Store) Directory() user.Directory { return (*directory)(s) }

// PutProfile seeds display data for a subject.
func (s *Store) PutProfile(p user.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// PutPost seeds a post used as conversation context.
func (s *Store) PutPost(p user.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ID] = p
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func copyConversation(c *conversation.Conversation) *conversation.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.DeletedBy = append([]string{}, c.DeletedBy...)
	out.UnreadBy = append([]string{}, c.UnreadBy...)
	return &out
}

type conversationStore Store

func (cs *conversationStore) FindBetween(_ context.Context, a, b, contextRef string) (*conversation.Conversation, error) {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversation.PairKey(a, b)
	for _, row := range s.conversations {
		c := &row.convo
		if conversation.PairKey(c.Participants[0], c.Participants[1]) == key && c.ContextRef == contextRef {
			return copyConversation(c), nil
		}
	}
	return nil, conversation.ErrConversationNotFound
}

func (cs *conversationStore) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	return copyConversation(&row.convo), nil
}

func (cs *conversationStore) Create(_ context.Context, convo *conversation.Conversation) error {
	if len(convo.Participants) != 2 {
		return fmt.Errorf("conversation.Create: need 2 participants, got %d", len(convo.Participants))
	}
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversation.PairKey(convo.Participants[0], convo.Participants[1])
	for _, row := range s.conversations {
		c := &row.convo
		if conversation.PairKey(c.Participants[0], c.Participants[1]) == key && c.ContextRef == convo.ContextRef {
			return conversation.ErrConversationExists
		}
	}

	seq := s.nextSeq()
	if convo.ID == "" {
		convo.ID = fmt.Sprintf("c%d", seq)
	}
	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = s.now()
	}
	convo.UpdatedAt = convo.CreatedAt
	convo.DeletedBy = []string{}
	convo.UnreadBy = []string{}

	s.conversations[convo.ID] = &conversationRow{convo: *copyConversation(convo), seq: seq}
	return nil
}

func (cs *conversationStore) ListVisible(_ context.Context, subjectID string) ([]*conversation.Conversation, error) {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*conversationRow, 0)
	for _, row := range s.conversations {
		if row.convo.HasParticipant(subjectID) && !row.convo.HiddenFor(subjectID) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].convo.UpdatedAt, rows[j].convo.UpdatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rows[i].seq > rows[j].seq
	})

	out := make([]*conversation.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyConversation(&row.convo))
	}
	return out, nil
}

func (cs *conversationStore) Hide(_ context.Context, id, subjectID string) error {
	return cs.mutate(id, true, func(c *conversation.Conversation) {
		if !slices.Contains(c.DeletedBy, subjectID) {
			c.DeletedBy = append(c.DeletedBy, subjectID)
		}
	})
}

func (cs *conversationStore) Unhide(_ context.Context, id, subjectID string) error {
	return cs.mutate(id, true, func(c *conversation.Conversation) {
		c.DeletedBy = slices.DeleteFunc(c.DeletedBy, func(v string) bool { return v == subjectID })
	})
}

func (cs *conversationStore) MarkRead(_ context.Context, id, subjectID string) error {
	return cs.mutate(id, false, func(c *conversation.Conversation) {
		c.UnreadBy = slices.DeleteFunc(c.UnreadBy, func(v string) bool { return v == subjectID })
	})
}

func (cs *conversationStore) mutate(id string, mustExist bool, fn func(*conversation.Conversation)) error {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.conversations[id]
	if !ok {
		if mustExist {
			return conversation.ErrConversationNotFound
		}
		return nil
	}
	fn(&row.convo)
	return nil
}

type messageStore Store

func (ms *messageStore) Append(_ context.Context, msg *message.Message, recipientID string) error {
	s := (*Store)(ms)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.conversations[msg.ConversationID]
	if !ok {
		return message.ErrConversationNotFound
	}

	seq := s.nextSeq()
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%d", seq)
	}
	msg.CreatedAt = s.now()

	c := &row.convo
	c.LastMessage = msg.Text
	c.UpdatedAt = msg.CreatedAt
	c.DeletedBy = []string{}
	if !slices.Contains(c.UnreadBy, recipientID) {
		c.UnreadBy = append(c.UnreadBy, recipientID)
	}

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &messageRow{msg: *msg, seq: seq})
	return nil
}

func (ms *messageStore) ListByConversation(_ context.Context, conversationID string) ([]*message.Message, error) {
	s := (*Store)(ms)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := slices.Clone(s.messages[conversationID])
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].msg.CreatedAt, rows[j].msg.CreatedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]*message.Message, 0, len(rows))
	for _, row := range rows {
		m := row.msg
		out = append(out, &m)
	}
	return out, nil
}

type directory Store

func (d *directory) Profiles(_ context.Context, ids []string) (map[string]user.Profile, error) {
	s := (*Store)(d)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]user.Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *directory) Posts(_ context.Context, ids []string) (map[string]user.Post, error) {
	s := (*Store)(d)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]user.Post, len(ids))
	for _, id := range ids {
		if p, ok := s.posts[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
