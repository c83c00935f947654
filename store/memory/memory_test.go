package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwork/iwork/store/conversation"
	"github.com/iwork/iwork/store/message"
)

func TestTiesBreakByInsertionOrder(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	first := &conversation.Conversation{Participants: []string{"u1", "u2"}}
	second := &conversation.Conversation{Participants: []string{"u1", "u3"}}
	require.NoError(t, s.Conversations().Create(ctx, first))
	require.NoError(t, s.Conversations().Create(ctx, second))

	listed, err := s.Conversations().ListVisible(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID, "later insert first on equal updatedAt")

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Messages().Append(ctx, &message.Message{ConversationID: first.ID, SenderID: "u1", Text: text}, "u2"))
	}
	msgs, err := s.Messages().ListByConversation(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
}

func TestCreateRejectsDuplicatePair(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Conversations().Create(ctx, &conversation.Conversation{Participants: []string{"u1", "u2"}, ContextRef: "p1"}))
	err := s.Conversations().Create(ctx, &conversation.Conversation{Participants: []string{"u2", "u1"}, ContextRef: "p1"})
	assert.ErrorIs(t, err, conversation.ErrConversationExists)

	// A different context is a different thread.
	require.NoError(t, s.Conversations().Create(ctx, &conversation.Conversation{Participants: []string{"u2", "u1"}}))
}

func TestReturnedConversationsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	convo := &conversation.Conversation{Participants: []string{"u1", "u2"}}
	require.NoError(t, s.Conversations().Create(ctx, convo))

	got, err := s.Conversations().Get(ctx, convo.ID)
	require.NoError(t, err)
	got.UnreadBy = append(got.UnreadBy, "tampered")

	again, err := s.Conversations().Get(ctx, convo.ID)
	require.NoError(t, err)
	assert.Empty(t, again.UnreadBy)
}

func TestAppendUnknownConversation(t *testing.T) {
	err := New().Messages().Append(context.Background(), &message.Message{ConversationID: "nope", SenderID: "u1", Text: "x"}, "u2")
	assert.ErrorIs(t, err, message.ErrConversationNotFound)
}
