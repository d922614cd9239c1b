package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/edumatch/edumatch/internal/idgen"
	"github.com/edumatch/edumatch/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id          VARCHAR(64) PRIMARY KEY,
			role        VARCHAR(16) NOT NULL,
			available   NUMERIC(20,2) NOT NULL DEFAULT 0,
			locked      NUMERIC(20,2) NOT NULL DEFAULT 0,
			tokens      NUMERIC(20,0) NOT NULL DEFAULT 0,
			total_in    NUMERIC(20,2) NOT NULL DEFAULT 0,
			total_out   NUMERIC(20,2) NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_locked_nonneg    CHECK (locked >= 0),
			CONSTRAINT chk_tokens_nonneg    CHECK (tokens >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			account_id  VARCHAR(64) NOT NULL,
			type        VARCHAR(20) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			reference   VARCHAR(64),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS applied_settlements (
			reference   VARCHAR(64) PRIMARY KEY,
			applied_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, role, available, locked, tokens, total_in, total_out, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,0), $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		account.ID, string(account.Role), account.Available, account.Locked,
		account.Tokens, account.TotalIn, account.TotalOut, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAccountExists
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	account := &Account{ID: id}
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT role, available, locked, tokens, total_in, total_out, created_at, updated_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&role, &account.Available, &account.Locked, &account.Tokens,
		&account.TotalIn, &account.TotalOut, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	account.Role = Role(role)
	return account, nil
}

func (p *PostgresStore) Credit(ctx context.Context, id, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET available = available + $1::NUMERIC(20,2),
		    total_in = total_in + $1::NUMERIC(20,2),
		    updated_at = NOW()
		WHERE id = $2`, amount, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	if err := insertEntry(ctx, tx, id, "deposit", amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) LockFunds(ctx context.Context, id, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The WHERE guard makes the debit and credit one atomic step; a reader
	// never sees available reduced without locked increased.
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET available = available - $1::NUMERIC(20,2),
		    locked = locked + $1::NUMERIC(20,2),
		    updated_at = NOW()
		WHERE id = $2 AND available >= $1::NUMERIC(20,2)`, amount, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, getErr := p.GetAccount(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficientFunds
	}

	if err := insertEntry(ctx, tx, id, "lock", amount, reference, "escrow_locked"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) UnlockFunds(ctx context.Context, id, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET locked = locked - $1::NUMERIC(20,2),
		    available = available + $1::NUMERIC(20,2),
		    updated_at = NOW()
		WHERE id = $2 AND locked >= $1::NUMERIC(20,2)`, amount, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, getErr := p.GetAccount(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficientFunds
	}

	if err := insertEntry(ctx, tx, id, "release", amount, reference, "escrow_unlocked"); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplySettlement applies all postings in one serializable transaction.
// The applied_settlements insert doubles as the idempotency guard: a
// retried reference fails its primary-key constraint before any balance
// moves, and the transaction rolls back to a clean no-op.
func (p *PostgresStore) ApplySettlement(ctx context.Context, reference string, postings []Posting) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO applied_settlements (reference) VALUES ($1)
		ON CONFLICT (reference) DO NOTHING`, reference)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrDuplicateSettlement
	}

	for _, posting := range postings {
		if err := applyPosting(ctx, tx, reference, posting); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyPosting(ctx context.Context, tx *sql.Tx, reference string, p Posting) error {
	available := deltaString(p.AvailableDelta)
	locked := deltaString(p.LockedDelta)
	tokens := "0"
	if p.TokenDelta != nil {
		tokens = p.TokenDelta.String()
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET available = available + $1::NUMERIC(20,2),
		    locked = locked + $2::NUMERIC(20,2),
		    tokens = tokens + $3::NUMERIC(20,0),
		    total_in = total_in + GREATEST($1::NUMERIC(20,2), 0),
		    total_out = total_out + GREATEST(-$2::NUMERIC(20,2), 0),
		    updated_at = NOW()
		WHERE id = $4`, available, locked, tokens, p.AccountID)
	if err != nil {
		// CHECK constraint violations surface here when a posting would
		// drive a balance negative; the whole settlement rolls back.
		return fmt.Errorf("apply posting for %s: %w", p.AccountID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	return insertEntry(ctx, tx, p.AccountID, p.EntryType, postingAmount(p), reference, p.Description)
}

func deltaString(d *big.Int) string {
	if d == nil {
		return "0.00"
	}
	return money.Format(d)
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, NOW())`,
		idgen.New(), accountID, entryType, amount, nullString(reference), nullString(description))
	return err
}

func (p *PostgresStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Type, &entry.Amount,
			&entry.Reference, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
