package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, msg *Message, recipientID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("message.Append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Updating the conversation first takes its row lock, so appends to
	// one conversation commit in timestamp order.
	convoUpdate := `
		UPDATE conversations
		SET last_message = $2,
			updated_at = clock_timestamp(),
			deleted_by = '{}',
			unread_by = CASE WHEN $3::text = ANY(unread_by) THEN unread_by ELSE array_append(unread_by, $3::text) END
		WHERE id = $1
		RETURNING updated_at
	`
	if err = tx.QueryRowContext(ctx, convoUpdate, msg.ConversationID, msg.Text, recipientID).Scan(&msg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
			return err
		}
		return fmt.Errorf("message.Append: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	insert := `
		INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err = tx.ExecContext(ctx, insert, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt); err != nil {
		return fmt.Errorf("message.Append: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("message.Append: %w", err)
	}
	return nil
}

func (s *SQLStore) ListByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message.ListByConversation: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs := []*Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("message.ListByConversation: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message.ListByConversation: %w", err)
	}
	return msgs, nil
}
