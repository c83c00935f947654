package user

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// SQLStore implements Directory over the users and posts tables.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, avatar FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("user.Profiles: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Avatar); err != nil {
			return nil, fmt.Errorf("user.Profiles: %w", err)
		}
		profiles[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user.Profiles: %w", err)
	}
	return profiles, nil
}

func (s *SQLStore) Posts(ctx context.Context, ids []string) (map[string]Post, error) {
	posts := make(map[string]Post, len(ids))
	if len(ids) == 0 {
		return posts, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM posts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("user.Posts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.Title); err != nil {
			return nil, fmt.Errorf("user.Posts: %w", err)
		}
		posts[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user.Posts: %w", err)
	}
	return posts, nil
}
