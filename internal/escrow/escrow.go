// Package escrow enforces the funds lifecycle of a tutoring session.
//
// Flow:
//  1. Booking validated → escrow opens, funds moved: available → locked
//  2. Both parties join before the grace deadline → Active
//  3. Session ends normally → Completed
//  4. Nobody shows / payer cancels while Pending → Abandoned (full refund)
//  5. Either party disputes before a terminal state → Disputed (frozen
//     until an external resolution supplies a split ratio)
//  6. Settlement commits the payout → Settled, record is immutable history
//
// Transitions are one-directional and guarded: a stale attempt fails with
// ErrStateConflict, a transition on a settled record with ErrAlreadySettled.
// Neither silently no-ops at this layer; idempotent smoothing is the
// session controller's job.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edumatch/edumatch/internal/idgen"
	"github.com/edumatch/edumatch/internal/metrics"
)

var (
	ErrNotFound       = errors.New("escrow not found")
	ErrStateConflict  = errors.New("escrow state changed; refetch and retry")
	ErrAlreadySettled = errors.New("escrow already settled")
	ErrUnauthorized   = errors.New("not authorized for this escrow operation")
	ErrNotDisputed    = errors.New("escrow is not disputed")
	ErrInvalidSplit   = errors.New("split ratio must be between 0 and 1")
	ErrOverlap        = errors.New("payee already holds an open escrow overlapping this window")
	ErrGraceExpired   = errors.New("grace deadline passed; escrow awaiting abandonment")
)

// Status represents the lifecycle state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Funds locked, waiting for both parties
	StatusActive    Status = "active"    // Session running
	StatusCompleted Status = "completed" // Session ended normally, awaiting settlement
	StatusDisputed  Status = "disputed"  // Frozen pending external resolution
	StatusAbandoned Status = "abandoned" // No-show or payer cancellation, awaiting refund
	StatusSettled   Status = "settled"   // Payout committed; immutable history
)

// Outcome records how a settled escrow paid out. Embedded in the record so
// a retried settle call can return the original result.
type Outcome struct {
	Resolution   string `json:"resolution"` // completed, refunded, split
	PayeeAmount  string `json:"payeeAmount"`
	PayerRefund  string `json:"payerRefund"`
	FeeAmount    string `json:"feeAmount"`
	RewardTokens string `json:"rewardTokens"` // minted to each party, "0" if none
}

// Record is the central escrow entity. Owned by this package; the ledger
// only ever sees its ID as a posting reference.
type Record struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"bookingId"`
	PayerID        string     `json:"payerId"` // student
	PayeeID        string     `json:"payeeId"` // tutor
	Amount         string     `json:"amount"`  // total locked: price + platform fee
	Fee            string     `json:"fee"`
	Status         Status     `json:"status"`
	ScheduledStart time.Time  `json:"scheduledStart"`
	ScheduledEnd   time.Time  `json:"scheduledEnd"`
	GraceDeadline  time.Time  `json:"graceDeadline"` // no-show cutoff
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	TerminalAt     *time.Time `json:"terminalAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	SplitBps       *int       `json:"splitBps,omitempty"` // dispute resolution, basis points to payee
	SettledAt      *time.Time `json:"settledAt,omitempty"`
	Result         *Outcome   `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether the record reached a pre-settlement terminal
// state or beyond.
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusDisputed, StatusAbandoned, StatusSettled:
		return true
	}
	return false
}

// Store persists escrow records. Update is a compare-and-swap: it writes
// the record only if the stored status still equals expected, returning
// ErrStateConflict otherwise. That check is the per-record serialization
// point shared by the memory and Postgres implementations. Create returns
// ErrOverlap if an open escrow for the same payee overlaps the new
// record's window.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, record *Record, expected Status) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	ListGraceExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	ListActivePastEnd(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	HasOverlap(ctx context.Context, payeeID string, start, end time.Time) (bool, error)
}

// LedgerService abstracts the balance moves escrow needs, so this package
// doesn't import ledger.
type LedgerService interface {
	LockFunds(ctx context.Context, accountID, amount, reference string) error
	UnlockFunds(ctx context.Context, accountID, amount, reference string) error
}

// EventEmitter broadcasts lifecycle transitions to the UI layer. Optional.
type EventEmitter interface {
	EmitEscrowTransition(record *Record)
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	ledger LedgerService
	events EventEmitter
	locks  sync.Map // per-escrow ID locks: one transition at a time per record
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{store: store, ledger: ledger}
}

// WithEvents adds a lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// Store exposes the underlying store for the lifecycle sweeper.
func (s *Service) Store() Store {
	return s.store
}

// recordLock returns a mutex for the given escrow ID. Concurrent
// transitions on the same record serialize here; the store's
// compare-and-swap is the backstop for multi-process deployments.
func (s *Service) recordLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Draft is the validated booking output the service opens an escrow from.
type Draft struct {
	BookingID      string
	PayerID        string
	PayeeID        string
	Amount         string // price + fee
	Fee            string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	GraceDeadline  time.Time
}

// Open locks the payer's funds and creates the escrow record in Pending.
// The fund lock happens first; if record creation fails the lock is
// compensated, so a failed Open leaves no funds held.
func (s *Service) Open(ctx context.Context, draft Draft) (*Record, error) {
	if strings.EqualFold(draft.PayerID, draft.PayeeID) {
		return nil, errors.New("payer and payee cannot be the same account")
	}

	now := time.Now()
	record := &Record{
		ID:             idgen.WithPrefix("esc_"),
		BookingID:      draft.BookingID,
		PayerID:        draft.PayerID,
		PayeeID:        draft.PayeeID,
		Amount:         draft.Amount,
		Fee:            draft.Fee,
		Status:         StatusPending,
		ScheduledStart: draft.ScheduledStart,
		ScheduledEnd:   draft.ScheduledEnd,
		GraceDeadline:  draft.GraceDeadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ledger.LockFunds(ctx, record.PayerID, record.Amount, record.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, record); err != nil {
		// Best-effort compensation if the record can't be stored
		_ = s.ledger.UnlockFunds(ctx, record.PayerID, record.Amount, record.ID)
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.emit(record)
	return record, nil
}

// Activate moves Pending → Active when both parties have joined. A join
// arriving after the grace deadline fails with ErrGraceExpired even if
// the sweeper has not abandoned the record yet.
func (s *Service) Activate(ctx context.Context, id string, startedAt time.Time) (*Record, error) {
	// GraceDeadline is fixed at creation, so reading it outside the
	// transition lock is safe.
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if startedAt.After(record.GraceDeadline) {
		return nil, ErrGraceExpired
	}
	return s.transition(ctx, id, StatusPending, StatusActive, func(r *Record) {
		r.ActualStart = &startedAt
	})
}

// Complete moves Active → Completed on a normal session end.
func (s *Service) Complete(ctx context.Context, id, reason string) (*Record, error) {
	return s.transition(ctx, id, StatusActive, StatusCompleted, func(r *Record) {
		now := time.Now()
		r.TerminalAt = &now
		r.Reason = reason
	})
}

// Abandon moves Pending → Abandoned (no-show or payer cancellation).
func (s *Service) Abandon(ctx context.Context, id, reason string) (*Record, error) {
	return s.transition(ctx, id, StatusPending, StatusAbandoned, func(r *Record) {
		now := time.Now()
		r.TerminalAt = &now
		r.Reason = reason
	})
}

// Cancel is the payer-requested Pending → Abandoned transition. After the
// session goes Active, cancellation is only possible via the dispute path.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Record, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerID, record.PayerID) {
		return nil, ErrUnauthorized
	}
	return s.Abandon(ctx, id, "cancelled_by_payer")
}

// Dispute freezes a Pending or Active escrow pending external resolution.
// Either participant may raise it; a terminal record cannot be disputed.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Record, error) {
	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerID, record.PayerID) && !strings.EqualFold(callerID, record.PayeeID) {
		return nil, ErrUnauthorized
	}
	if record.Status == StatusSettled {
		return nil, ErrAlreadySettled
	}
	if record.Status != StatusPending && record.Status != StatusActive {
		return nil, ErrStateConflict
	}

	expected := record.Status
	now := time.Now()
	record.Status = StatusDisputed
	record.TerminalAt = &now
	record.Reason = reason
	record.UpdatedAt = now

	if err := s.store.Update(ctx, record, expected); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.emit(record)
	return record, nil
}

// ResolveDispute records the externally supplied split ratio on a Disputed
// record. splitBps is the payee's share in basis points (0..10000). The
// record stays Disputed; settlement consumes the split.
func (s *Service) ResolveDispute(ctx context.Context, id string, splitBps int) (*Record, error) {
	if splitBps < 0 || splitBps > 10000 {
		return nil, ErrInvalidSplit
	}

	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusSettled {
		return nil, ErrAlreadySettled
	}
	if record.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}

	record.SplitBps = &splitBps
	record.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, record, StatusDisputed); err != nil {
		return nil, err
	}
	s.emit(record)
	return record, nil
}

// MarkSettled is the final transition, reached only through the settlement
// engine. The outcome is stored on the record so idempotent retries can
// return the original result.
func (s *Service) MarkSettled(ctx context.Context, id string, outcome *Outcome) (*Record, error) {
	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusSettled {
		return nil, ErrAlreadySettled
	}
	switch record.Status {
	case StatusCompleted, StatusDisputed, StatusAbandoned:
	default:
		return nil, ErrStateConflict
	}

	expected := record.Status
	now := time.Now()
	record.Status = StatusSettled
	record.SettledAt = &now
	record.Result = outcome
	record.UpdatedAt = now

	if err := s.store.Update(ctx, record, expected); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusSettled)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(record.CreatedAt).Seconds())
	s.emit(record)
	s.locks.Delete(id) // settled records take no further transitions
	return record, nil
}

// Get returns an escrow record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns escrows where the account is payer or payee.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// transition performs a guarded single-step state change under the
// per-record lock. mutate runs on the freshly loaded record before the
// compare-and-swap write.
func (s *Service) transition(ctx context.Context, id string, from, to Status, mutate func(*Record)) (*Record, error) {
	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusSettled {
		return nil, ErrAlreadySettled
	}
	if record.Status != from {
		return nil, ErrStateConflict
	}

	record.Status = to
	mutate(record)
	record.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, record, from); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.emit(record)
	return record, nil
}

func (s *Service) emit(record *Record) {
	if s.events != nil {
		cp := *record
		s.events.EmitEscrowTransition(&cp)
	}
}
