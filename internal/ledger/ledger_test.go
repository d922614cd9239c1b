package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore())
}

func mustAccount(t *testing.T, l *Ledger, id string, role Role, deposit string) {
	t.Helper()
	ctx := context.Background()
	if _, err := l.CreateAccount(ctx, id, role); err != nil {
		t.Fatalf("CreateAccount(%s): %v", id, err)
	}
	if deposit != "" {
		if err := l.Deposit(ctx, id, deposit, "test-deposit"); err != nil {
			t.Fatalf("Deposit(%s, %s): %v", id, deposit, err)
		}
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreateAccount(ctx, "acc_a", RoleStudent); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := l.CreateAccount(ctx, "acc_a", RoleStudent); !errors.Is(err, ErrAccountExists) {
		t.Errorf("second create err = %v, want ErrAccountExists", err)
	}
}

func TestDepositAndBalances(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_a", RoleStudent, "100.00")

	account, err := l.GetAccount(ctx, "acc_a")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Available != "100.00" || account.Locked != "0.00" {
		t.Errorf("balances = %s/%s, want 100.00/0.00", account.Available, account.Locked)
	}
	if account.TotalIn != "100.00" {
		t.Errorf("TotalIn = %s, want 100.00", account.TotalIn)
	}

	if err := l.Deposit(ctx, "acc_a", "-5.00", "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative deposit err = %v, want ErrInvalidAmount", err)
	}
	if err := l.Deposit(ctx, "acc_missing", "5.00", "x"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("missing account deposit err = %v, want ErrAccountNotFound", err)
	}
}

func TestLockFundsConservesTotal(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_a", RoleStudent, "100.00")

	if err := l.LockFunds(ctx, "acc_a", "42.00", "esc_1"); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}

	account, _ := l.GetAccount(ctx, "acc_a")
	if account.Available != "58.00" || account.Locked != "42.00" {
		t.Errorf("after lock: %s/%s, want 58.00/42.00", account.Available, account.Locked)
	}

	// Lock beyond available fails without moving anything
	if err := l.LockFunds(ctx, "acc_a", "60.00", "esc_2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overlock err = %v, want ErrInsufficientFunds", err)
	}
	account, _ = l.GetAccount(ctx, "acc_a")
	if account.Available != "58.00" || account.Locked != "42.00" {
		t.Errorf("balances moved on failed lock: %s/%s", account.Available, account.Locked)
	}

	if err := l.UnlockFunds(ctx, "acc_a", "42.00", "esc_1"); err != nil {
		t.Fatalf("UnlockFunds: %v", err)
	}
	account, _ = l.GetAccount(ctx, "acc_a")
	if account.Available != "100.00" || account.Locked != "0.00" {
		t.Errorf("after unlock: %s/%s, want 100.00/0.00", account.Available, account.Locked)
	}
}

func TestApplySettlementRejectsUnbalanced(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_a", RoleStudent, "50.00")

	err := l.ApplySettlement(ctx, "esc_1", []Posting{
		{AccountID: "acc_a", AvailableDelta: big.NewInt(100)},
	})
	if !errors.Is(err, ErrUnbalancedPostings) {
		t.Errorf("unbalanced err = %v, want ErrUnbalancedPostings", err)
	}
}

func TestApplySettlementAtomicAndIdempotent(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_payer", RoleStudent, "100.00")
	mustAccount(t, l, "acc_payee", RoleTutor, "")
	mustAccount(t, l, "acc_platform", RolePlatform, "")

	if err := l.LockFunds(ctx, "acc_payer", "42.00", "esc_1"); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}

	postings := []Posting{
		{AccountID: "acc_payer", AvailableDelta: big.NewInt(200), LockedDelta: big.NewInt(-4200), EntryType: "settlement_release"},
		{AccountID: "acc_payee", AvailableDelta: big.NewInt(3800), EntryType: "settlement_payout"},
		{AccountID: "acc_platform", AvailableDelta: big.NewInt(200), EntryType: "platform_fee"},
		{AccountID: "acc_payer", TokenDelta: big.NewInt(5), EntryType: "completion_reward"},
		{AccountID: "acc_payee", TokenDelta: big.NewInt(5), EntryType: "completion_reward"},
	}

	if err := l.ApplySettlement(ctx, "esc_1", postings); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	payer, _ := l.GetAccount(ctx, "acc_payer")
	payee, _ := l.GetAccount(ctx, "acc_payee")
	platform, _ := l.GetAccount(ctx, "acc_platform")

	if payer.Available != "60.00" || payer.Locked != "0.00" {
		t.Errorf("payer = %s/%s, want 60.00/0.00", payer.Available, payer.Locked)
	}
	if payee.Available != "38.00" {
		t.Errorf("payee available = %s, want 38.00", payee.Available)
	}
	if platform.Available != "2.00" {
		t.Errorf("platform available = %s, want 2.00", platform.Available)
	}
	if payer.Tokens != "5" || payee.Tokens != "5" {
		t.Errorf("tokens = %s/%s, want 5/5", payer.Tokens, payee.Tokens)
	}

	// Retrying the same reference must not double-apply
	err := l.ApplySettlement(ctx, "esc_1", postings)
	if !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("retry err = %v, want ErrDuplicateSettlement", err)
	}
	payee, _ = l.GetAccount(ctx, "acc_payee")
	if payee.Available != "38.00" {
		t.Errorf("payee available after retry = %s, want 38.00", payee.Available)
	}
}

func TestApplySettlementRollsBackOnNegativeBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_a", RoleStudent, "10.00")
	mustAccount(t, l, "acc_b", RoleTutor, "")

	// acc_a has nothing locked, so the lock debit must fail as a unit
	err := l.ApplySettlement(ctx, "esc_bad", []Posting{
		{AccountID: "acc_a", LockedDelta: big.NewInt(-4200)},
		{AccountID: "acc_b", AvailableDelta: big.NewInt(4200)},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	b, _ := l.GetAccount(ctx, "acc_b")
	if b.Available != "0.00" {
		t.Errorf("partial settlement observed: acc_b available = %s", b.Available)
	}

	// The failed reference was not consumed; a corrected batch still applies
	if err := l.LockFunds(ctx, "acc_a", "5.00", "esc_bad"); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}
	err = l.ApplySettlement(ctx, "esc_bad", []Posting{
		{AccountID: "acc_a", LockedDelta: big.NewInt(-500)},
		{AccountID: "acc_b", AvailableDelta: big.NewInt(500)},
	})
	if err != nil {
		t.Fatalf("corrected settlement: %v", err)
	}
}

func TestGetHistory(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mustAccount(t, l, "acc_a", RoleStudent, "100.00")
	if err := l.LockFunds(ctx, "acc_a", "42.00", "esc_1"); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}

	entries, err := l.GetHistory(ctx, "acc_a", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first
	if entries[0].Type != "lock" || entries[1].Type != "deposit" {
		t.Errorf("entry types = %s, %s", entries[0].Type, entries[1].Type)
	}
}
