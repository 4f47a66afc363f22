package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// UserStore resolves mailbox owners. Every email event belongs to the user
// whose mailbox received it.
type UserStore struct{ db *sql.DB }

// NewUserStore creates a Postgres-backed user store.
func NewUserStore(db *sql.DB) *UserStore { return &UserStore{db: db} }

// GetOrCreate returns the user id for a mailbox address, creating the row
// on first sight. The upsert keeps concurrent ingests from racing.
func (s *UserStore) GetOrCreate(ctx context.Context, address string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, uuid.New(), address).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get or create user: %w", err)
	}
	return id, nil
}
