package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Columns selected for every conversation read, in scan order.
const Columns = `id, participant_a, participant_b, context_ref, last_message, deleted_by, unread_by, created_at, updated_at`

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Scan reads one row selected with Columns.
func Scan(row rowScanner) (*Conversation, error) {
	var (
		convo Conversation
		a, b  string
	)
	if err := row.Scan(
		&convo.ID, &a, &b, &convo.ContextRef, &convo.LastMessage,
		pq.Array(&convo.DeletedBy), pq.Array(&convo.UnreadBy),
		&convo.CreatedAt, &convo.UpdatedAt,
	); err != nil {
		return nil, err
	}
	convo.Participants = []string{a, b}
	if convo.DeletedBy == nil {
		convo.DeletedBy = []string{}
	}
	if convo.UnreadBy == nil {
		convo.UnreadBy = []string{}
	}
	return &convo, nil
}

func (s *SQLStore) FindBetween(ctx context.Context, a, b, contextRef string) (*Conversation, error) {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	query := `
		SELECT ` + Columns + `
		FROM conversations
		WHERE pair_lo = $1 AND pair_hi = $2 AND context_ref = $3
		LIMIT 1
	`

	convo, err := Scan(s.db.QueryRowContext(ctx, query, lo, hi, contextRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation.FindBetween: %w", err)
	}
	return convo, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + Columns + ` FROM conversations WHERE id = $1`

	convo, err := Scan(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation.Get: %w", err)
	}
	return convo, nil
}

func (s *SQLStore) Create(ctx context.Context, convo *Conversation) error {
	if len(convo.Participants) != 2 {
		return fmt.Errorf("conversation.Create: need 2 participants, got %d", len(convo.Participants))
	}
	if convo.ID == "" {
		convo.ID = uuid.NewString()
	}

	a, b := convo.Participants[0], convo.Participants[1]
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	// Timestamps come from the database clock, the same one message
	// appends use, so listing order does not depend on process clocks.
	// The unique index on (pair_lo, pair_hi, context_ref) arbitrates
	// concurrent find-or-create calls for the same thread.
	insert := `
		WITH stamp AS (SELECT clock_timestamp() AS at)
		INSERT INTO conversations (id, participant_a, participant_b, pair_lo, pair_hi, context_ref, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, stamp.at, stamp.at FROM stamp
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, insert, convo.ID, a, b, lo, hi, convo.ContextRef).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationExists
		}
		return fmt.Errorf("conversation.Create: %w", err)
	}
	convo.CreatedAt = createdAt
	convo.UpdatedAt = createdAt
	convo.DeletedBy = []string{}
	convo.UnreadBy = []string{}
	return nil
}

func (s *SQLStore) ListVisible(ctx context.Context, subjectID string) ([]*Conversation, error) {
	query := `
		SELECT ` + Columns + `
		FROM conversations
		WHERE (participant_a = $1 OR participant_b = $1)
			AND NOT ($1 = ANY(deleted_by))
		ORDER BY updated_at DESC, seq DESC
	`

	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("conversation.ListVisible: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	convos := []*Conversation{}
	for rows.Next() {
		convo, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation.ListVisible: %w", err)
		}
		convos = append(convos, convo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation.ListVisible: %w", err)
	}
	return convos, nil
}

func (s *SQLStore) Hide(ctx context.Context, id, subjectID string) error {
	update := `
		UPDATE conversations
		SET deleted_by = CASE WHEN $2::text = ANY(deleted_by) THEN deleted_by ELSE array_append(deleted_by, $2::text) END
		WHERE id = $1
	`
	return s.execOne(ctx, "conversation.Hide", update, id, subjectID)
}

func (s *SQLStore) Unhide(ctx context.Context, id, subjectID string) error {
	update := `UPDATE conversations SET deleted_by = array_remove(deleted_by, $2::text) WHERE id = $1`
	return s.execOne(ctx, "conversation.Unhide", update, id, subjectID)
}

func (s *SQLStore) MarkRead(ctx context.Context, id, subjectID string) error {
	update := `UPDATE conversations SET unread_by = array_remove(unread_by, $2::text) WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, update, id, subjectID); err != nil {
		return fmt.Errorf("conversation.MarkRead: %w", err)
	}
	return nil
}

func (s *SQLStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}
