package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/edumatch/edumatch/internal/idgen"
	"github.com/edumatch/edumatch/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts    map[string]*Account
	entries     []*Entry
	settlements map[string]bool // reference -> already applied
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		settlements: make(map[string]bool),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, id, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}

	available, _ := money.Parse(account.Available)
	totalIn, _ := money.Parse(account.TotalIn)
	add, _ := money.Parse(amount)

	available.Add(available, add)
	totalIn.Add(totalIn, add)
	account.Available = money.Format(available)
	account.TotalIn = money.Format(totalIn)
	account.UpdatedAt = time.Now()

	m.appendEntry(id, "deposit", amount, reference, description)
	return nil
}

func (m *MemoryStore) LockFunds(ctx context.Context, id, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}

	available, _ := money.Parse(account.Available)
	locked, _ := money.Parse(account.Locked)
	sub, _ := money.Parse(amount)

	if available.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	available.Sub(available, sub)
	locked.Add(locked, sub)
	account.Available = money.Format(available)
	account.Locked = money.Format(locked)
	account.UpdatedAt = time.Now()

	m.appendEntry(id, "lock", amount, reference, "escrow_locked")
	return nil
}

func (m *MemoryStore) UnlockFunds(ctx context.Context, id, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}

	available, _ := money.Parse(account.Available)
	locked, _ := money.Parse(account.Locked)
	sub, _ := money.Parse(amount)

	if locked.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	locked.Sub(locked, sub)
	available.Add(available, sub)
	account.Available = money.Format(available)
	account.Locked = money.Format(locked)
	account.UpdatedAt = time.Now()

	m.appendEntry(id, "release", amount, reference, "escrow_unlocked")
	return nil
}

// ApplySettlement validates every posting against current balances, then
// applies the whole batch under one lock. Validation-before-apply means a
// failing posting leaves every account untouched.
func (m *MemoryStore) ApplySettlement(ctx context.Context, reference string, postings []Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settlements[reference] {
		return ErrDuplicateSettlement
	}

	type staged struct {
		account   *Account
		available *big.Int
		locked    *big.Int
		tokens    *big.Int
		totalIn   *big.Int
		totalOut  *big.Int
	}

	// Validate: every resulting balance must be non-negative.
	states := make(map[string]*staged, len(postings))
	for _, p := range postings {
		st, ok := states[p.AccountID]
		if !ok {
			account, found := m.accounts[p.AccountID]
			if !found {
				return ErrAccountNotFound
			}
			available, _ := money.Parse(account.Available)
			locked, _ := money.Parse(account.Locked)
			tokens, okT := new(big.Int).SetString(account.Tokens, 10)
			if !okT {
				tokens = big.NewInt(0)
			}
			totalIn, _ := money.Parse(account.TotalIn)
			totalOut, _ := money.Parse(account.TotalOut)
			st = &staged{account, available, locked, tokens, totalIn, totalOut}
			states[p.AccountID] = st
		}
		if p.AvailableDelta != nil {
			st.available.Add(st.available, p.AvailableDelta)
			if p.AvailableDelta.Sign() > 0 {
				st.totalIn.Add(st.totalIn, p.AvailableDelta)
			}
		}
		if p.LockedDelta != nil {
			st.locked.Add(st.locked, p.LockedDelta)
			if p.LockedDelta.Sign() < 0 {
				st.totalOut.Add(st.totalOut, new(big.Int).Neg(p.LockedDelta))
			}
		}
		if p.TokenDelta != nil {
			st.tokens.Add(st.tokens, p.TokenDelta)
		}
		if st.available.Sign() < 0 || st.locked.Sign() < 0 || st.tokens.Sign() < 0 {
			return fmt.Errorf("settlement %s would drive account %s negative: %w",
				reference, p.AccountID, ErrInsufficientFunds)
		}
	}

	// Apply.
	now := time.Now()
	for _, st := range states {
		st.account.Available = money.Format(st.available)
		st.account.Locked = money.Format(st.locked)
		st.account.Tokens = st.tokens.String()
		st.account.TotalIn = money.Format(st.totalIn)
		st.account.TotalOut = money.Format(st.totalOut)
		st.account.UpdatedAt = now
	}
	for _, p := range postings {
		m.appendEntry(p.AccountID, p.EntryType, postingAmount(p), reference, p.Description)
	}

	m.settlements[reference] = true
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == id {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

// appendEntry records a ledger line. Caller must hold m.mu.
func (m *MemoryStore) appendEntry(accountID, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.New(),
		AccountID:   accountID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

// postingAmount renders the magnitude of a posting for its ledger entry:
// monetary deltas as dollars, token-only deltas as a whole-token count.
func postingAmount(p Posting) string {
	sum := big.NewInt(0)
	if p.AvailableDelta != nil {
		sum.Add(sum, new(big.Int).Abs(p.AvailableDelta))
	}
	if p.LockedDelta != nil {
		sum.Add(sum, new(big.Int).Abs(p.LockedDelta))
	}
	if sum.Sign() != 0 || p.TokenDelta == nil {
		return money.Format(sum)
	}
	return new(big.Int).Abs(p.TokenDelta).String()
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
