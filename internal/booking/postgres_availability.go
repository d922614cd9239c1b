package booking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresAvailabilityStore persists availability windows in PostgreSQL.
type PostgresAvailabilityStore struct {
	db *sql.DB
}

// NewPostgresAvailabilityStore creates a Postgres-backed availability store.
func NewPostgresAvailabilityStore(db *sql.DB) *PostgresAvailabilityStore {
	return &PostgresAvailabilityStore{db: db}
}

// Migrate creates the availability_windows table if it does not exist.
func (s *PostgresAvailabilityStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS availability_windows (
			id TEXT PRIMARY KEY,
			tutor_id TEXT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (end_at > start_at)
		);
		CREATE INDEX IF NOT EXISTS idx_availability_tutor ON availability_windows(tutor_id, start_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate availability_windows table: %w", err)
	}
	return nil
}

func (s *PostgresAvailabilityStore) Publish(ctx context.Context, window *Window) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO availability_windows (id, tutor_id, start_at, end_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		window.ID, window.TutorID, window.Start, window.End, window.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to publish availability window: %w", err)
	}
	return nil
}

func (s *PostgresAvailabilityStore) Remove(ctx context.Context, id, tutorID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM availability_windows WHERE id = $1 AND tutor_id = $2`, id, tutorID)
	if err != nil {
		return fmt.Errorf("failed to remove availability window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check window removal: %w", err)
	}
	if n == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (s *PostgresAvailabilityStore) ListByTutor(ctx context.Context, tutorID string) ([]*Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tutor_id, start_at, end_at, created_at
		FROM availability_windows
		WHERE tutor_id = $1
		ORDER BY start_at ASC`, tutorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability windows: %w", err)
	}
	defer rows.Close()

	var out []*Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.TutorID, &w.Start, &w.End, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan availability window: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresAvailabilityStore) Covers(ctx context.Context, tutorID string, start, end time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM availability_windows
			WHERE tutor_id = $1 AND start_at <= $2 AND end_at >= $3
		)`, tutorID, start, end).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check availability coverage: %w", err)
	}
	return exists, nil
}
