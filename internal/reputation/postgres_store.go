package reputation

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists reputation entries in PostgreSQL. The unique
// index on (escrow_id, reviewer_id) backs the duplicate check even when
// multiple processes race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reputation_entries table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reputation_entries (
			id TEXT PRIMARY KEY,
			reviewer_id TEXT NOT NULL,
			reviewee_id TEXT NOT NULL,
			rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
			escrow_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (escrow_id, reviewer_id)
		);
		CREATE INDEX IF NOT EXISTS idx_reputation_reviewee ON reputation_entries(reviewee_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate reputation_entries table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_entries (id, reviewer_id, reviewee_id, rating, escrow_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (escrow_id, reviewer_id) DO NOTHING`,
		entry.ID, entry.ReviewerID, entry.RevieweeID, entry.Rating, entry.EscrowID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append reputation entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reputation insert: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) ListByReviewee(ctx context.Context, revieweeID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, reviewer_id, reviewee_id, rating, escrow_id, created_at
		FROM reputation_entries
		WHERE reviewee_id = $1
		ORDER BY created_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT $2`, revieweeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query, revieweeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reputation entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ReviewerID, &e.RevieweeID, &e.Rating, &e.EscrowID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reputation entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasForEscrow(ctx context.Context, escrowID, reviewerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM reputation_entries WHERE escrow_id = $1 AND reviewer_id = $2
		)`, escrowID, reviewerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reputation entry: %w", err)
	}
	return exists, nil
}
