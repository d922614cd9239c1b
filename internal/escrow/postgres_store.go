package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL. The compare-and-swap
// on Update is a guarded UPDATE on the previous status, which makes it safe
// across multiple server processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table if it does not exist. The exclusion
// constraint keeps two open escrows for the same payee from ever holding
// overlapping windows, regardless of how many processes race Create.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE EXTENSION IF NOT EXISTS btree_gist;

		CREATE TABLE IF NOT EXISTS escrows (
			id TEXT PRIMARY KEY,
			booking_id TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			payee_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_start TIMESTAMPTZ NOT NULL,
			scheduled_end TIMESTAMPTZ NOT NULL,
			grace_deadline TIMESTAMPTZ NOT NULL,
			actual_start TIMESTAMPTZ,
			terminal_at TIMESTAMPTZ,
			reason TEXT,
			split_bps INT,
			settled_at TIMESTAMPTZ,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT escrows_no_open_overlap EXCLUDE USING gist (
				payee_id WITH =,
				tstzrange(scheduled_start, scheduled_end) WITH &&
			) WHERE (status IN ('pending', 'active'))
		);
		CREATE INDEX IF NOT EXISTS idx_escrows_payer ON escrows(payer_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_payee ON escrows(payee_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate escrows table: %w", err)
	}
	return nil
}

const escrowColumns = `id, booking_id, payer_id, payee_id, amount, fee, status,
	scheduled_start, scheduled_end, grace_deadline, actual_start, terminal_at,
	reason, split_bps, settled_at, result, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	resultJSON, err := marshalOutcome(record.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		record.ID, record.BookingID, record.PayerID, record.PayeeID,
		record.Amount, record.Fee, string(record.Status),
		record.ScheduledStart, record.ScheduledEnd, record.GraceDeadline,
		record.ActualStart, record.TerminalAt,
		nullIfEmpty(record.Reason), record.SplitBps, record.SettledAt,
		resultJSON, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23P01" { // exclusion_violation
			return ErrOverlap
		}
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, record *Record, expected Status) error {
	resultJSON, err := marshalOutcome(record.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = $1, actual_start = $2, terminal_at = $3, reason = $4,
		    split_bps = $5, settled_at = $6, result = $7, updated_at = $8
		WHERE id = $9 AND status = $10`,
		string(record.Status), record.ActualStart, record.TerminalAt,
		nullIfEmpty(record.Reason), record.SplitBps, record.SettledAt,
		resultJSON, record.UpdatedAt, record.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check escrow update: %w", err)
	}
	if n == 0 {
		// Distinguish missing record from a lost race
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, record.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check escrow existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows by status: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ListGraceExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND grace_deadline < $2
		ORDER BY grace_deadline ASC LIMIT $3`, string(StatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list grace-expired escrows: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ListActivePastEnd(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND scheduled_end < $2
		ORDER BY scheduled_end ASC LIMIT $3`, string(StatusActive), before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue escrows: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) HasOverlap(ctx context.Context, payeeID string, start, end time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM escrows
			WHERE payee_id = $1
			  AND status IN ($2, $3)
			  AND scheduled_start < $4
			  AND scheduled_end > $5
		)`, payeeID, string(StatusPending), string(StatusActive), end, start).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check escrow overlap: %w", err)
	}
	return exists, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var status string
	var reason sql.NullString
	var splitBps sql.NullInt64
	var actualStart, terminalAt, settledAt sql.NullTime
	var resultJSON []byte

	err := row.Scan(&r.ID, &r.BookingID, &r.PayerID, &r.PayeeID, &r.Amount, &r.Fee,
		&status, &r.ScheduledStart, &r.ScheduledEnd, &r.GraceDeadline,
		&actualStart, &terminalAt, &reason, &splitBps, &settledAt,
		&resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}

	r.Status = Status(status)
	r.Reason = reason.String
	if actualStart.Valid {
		r.ActualStart = &actualStart.Time
	}
	if terminalAt.Valid {
		r.TerminalAt = &terminalAt.Time
	}
	if settledAt.Valid {
		r.SettledAt = &settledAt.Time
	}
	if splitBps.Valid {
		bps := int(splitBps.Int64)
		r.SplitBps = &bps
	}
	if len(resultJSON) > 0 {
		var outcome Outcome
		if err := json.Unmarshal(resultJSON, &outcome); err != nil {
			return nil, fmt.Errorf("failed to decode escrow result: %w", err)
		}
		r.Result = &outcome
	}
	return &r, nil
}

func marshalOutcome(o *Outcome) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode escrow result: %w", err)
	}
	return b, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
