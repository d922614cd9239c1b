// Package ledger tracks participant balances on the platform.
//
// Every account carries an available balance, a locked (escrowed) balance,
// and a token balance. The ledger is the single source of truth: no
// client-reported balance is ever trusted, and available + locked is
// conserved across every escrow transition. The only way value appears is
// a deposit credit; the only way tokens appear is a settlement reward mint.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/edumatch/edumatch/internal/money"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnbalancedPostings  = errors.New("settlement postings do not balance")
	ErrDuplicateSettlement = errors.New("settlement already applied for this reference")
)

// Role identifies what kind of participant an account belongs to.
type Role string

const (
	RoleStudent  Role = "student"
	RoleTutor    Role = "tutor"
	RolePlatform Role = "platform"
)

// Account is a participant's balance sheet.
type Account struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Available string    `json:"available"` // Spendable
	Locked    string    `json:"locked"`    // Held in escrow
	Tokens    string    `json:"tokens"`    // Reward token balance
	TotalIn   string    `json:"totalIn"`   // Lifetime credits
	TotalOut  string    `json:"totalOut"`  // Lifetime debits
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one append-only ledger line.
type Entry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Type        string    `json:"type"` // deposit, lock, release, refund, fee, reward
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // escrow ID, booking ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Posting is one account's share of an atomic settlement. Deltas are in
// cents (money.Parse units); TokenDelta is in whole tokens. A negative
// delta debits, a positive delta credits.
type Posting struct {
	AccountID      string
	AvailableDelta *big.Int
	LockedDelta    *big.Int
	TokenDelta     *big.Int
	EntryType      string
	Description    string
}

// Store persists ledger data. Implementations must apply LockFunds,
// UnlockFunds, and ApplySettlement atomically: a reader never observes a
// half-applied balance move.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	Credit(ctx context.Context, id, amount, reference, description string) error
	LockFunds(ctx context.Context, id, amount, reference string) error
	UnlockFunds(ctx context.Context, id, amount, reference string) error
	ApplySettlement(ctx context.Context, reference string, postings []Posting) error
	GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error)
}

// Ledger manages account balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// CreateAccount registers a new account with zero balances.
func (l *Ledger) CreateAccount(ctx context.Context, id string, role Role) (*Account, error) {
	now := time.Now()
	account := &Account{
		ID:        id,
		Role:      role,
		Available: "0.00",
		Locked:    "0.00",
		Tokens:    "0",
		TotalIn:   "0.00",
		TotalOut:  "0.00",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns an account's current balances.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Deposit credits an account's available balance.
func (l *Ledger) Deposit(ctx context.Context, id, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, id, amount, reference, "deposit")
}

// CanSpend checks whether an account's available balance covers amount.
func (l *Ledger) CanSpend(ctx context.Context, id, amount string) (bool, error) {
	amt, ok := money.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}
	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return false, err
	}
	available, _ := money.Parse(account.Available)
	return available.Cmp(amt) >= 0, nil
}

// LockFunds moves amount from available to locked as a single atomic step.
// Called when an escrow record opens.
func (l *Ledger) LockFunds(ctx context.Context, id, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.LockFunds(ctx, id, amount, reference)
}

// UnlockFunds moves amount from locked back to available. Compensation
// path only: used when escrow record creation fails after funds locked.
func (l *Ledger) UnlockFunds(ctx context.Context, id, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.UnlockFunds(ctx, id, amount, reference)
}

// ApplySettlement commits a batch of postings atomically. The monetary
// deltas must net to zero across the batch: settlement moves value between
// accounts, it never creates or destroys it. Token deltas are exempt (the
// reward mint is the one sanctioned source of new tokens).
//
// A reference is applied at most once; retrying a settlement that already
// committed returns ErrDuplicateSettlement, which callers treat as success.
func (l *Ledger) ApplySettlement(ctx context.Context, reference string, postings []Posting) error {
	if reference == "" {
		return ErrInvalidAmount
	}
	sum := new(big.Int)
	for _, p := range postings {
		if p.AvailableDelta != nil {
			sum.Add(sum, p.AvailableDelta)
		}
		if p.LockedDelta != nil {
			sum.Add(sum, p.LockedDelta)
		}
	}
	if sum.Sign() != 0 {
		return ErrUnbalancedPostings
	}
	return l.store.ApplySettlement(ctx, reference, postings)
}

// GetHistory returns recent ledger entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, id, limit)
}
