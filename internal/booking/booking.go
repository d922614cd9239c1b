// Package booking validates proposed sessions before any funds move.
//
// Validation is a pure check with no side effects: a rejected request
// leaves no trace, and an accepted one only produces a draft for the
// escrow layer to act on. Checks run in a fixed order so callers see
// deterministic rejection reasons.
package booking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/idgen"
	"github.com/edumatch/edumatch/internal/ledger"
	"github.com/edumatch/edumatch/internal/logging"
	"github.com/edumatch/edumatch/internal/metrics"
	"github.com/edumatch/edumatch/internal/money"
	"github.com/edumatch/edumatch/internal/syncutil"
)

var (
	ErrUnavailable       = errors.New("requested window is outside the tutor's availability")
	ErrConflict          = errors.New("tutor already has a session in this window")
	ErrInsufficientFunds = errors.New("available balance below the computed total")
	ErrInvalidDuration   = errors.New("duration must be one of the accepted slot lengths")
	ErrInvalidRequest    = errors.New("invalid booking request")
)

// SlotMinutes are the accepted discrete session lengths.
var SlotMinutes = []int{30, 60, 90, 120}

// Request is a proposed session. Rejected requests are discarded, never
// persisted.
type Request struct {
	RequesterID     string    `json:"requesterId"`
	TutorID         string    `json:"tutorId"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"durationMinutes"`
	Rate            string    `json:"rate"` // hourly, e.g. "40.00"
}

// Quote is the priced breakdown of an accepted request.
type Quote struct {
	Price string `json:"price"` // rate x duration
	Fee   string `json:"fee"`
	Total string `json:"total"` // locked amount: price + fee
}

// LedgerReader reads account state for the balance check.
type LedgerReader interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
}

// ConflictChecker reports whether the tutor already holds an open escrow
// overlapping the window. Satisfied by the escrow store.
type ConflictChecker interface {
	HasOverlap(ctx context.Context, payeeID string, start, end time.Time) (bool, error)
}

// EscrowOpener opens an escrow from a validated draft. Satisfied by the
// escrow service.
type EscrowOpener interface {
	Open(ctx context.Context, draft escrow.Draft) (*escrow.Record, error)
}

// Service validates booking requests and opens escrows for accepted ones.
type Service struct {
	availability AvailabilityStore
	conflicts    ConflictChecker
	ledger       LedgerReader
	escrows      EscrowOpener
	feePercent   int64
	gracePeriod  time.Duration
	tutors       syncutil.ShardedMutex
}

// NewService creates a booking service.
func NewService(availability AvailabilityStore, conflicts ConflictChecker, ledgerReader LedgerReader, escrows EscrowOpener, feePercent int64, gracePeriod time.Duration) *Service {
	return &Service{
		availability: availability,
		conflicts:    conflicts,
		ledger:       ledgerReader,
		escrows:      escrows,
		feePercent:   feePercent,
		gracePeriod:  gracePeriod,
	}
}

// Validate runs the acceptance checks in order: availability, conflict,
// balance, duration. It has no side effects; on success it returns the
// escrow draft and price breakdown without moving funds.
func (s *Service) Validate(ctx context.Context, req *Request) (*escrow.Draft, *Quote, error) {
	if req.RequesterID == "" || req.TutorID == "" {
		return nil, nil, fmt.Errorf("%w: requester and tutor are required", ErrInvalidRequest)
	}
	if req.RequesterID == req.TutorID {
		return nil, nil, fmt.Errorf("%w: cannot book a session with yourself", ErrInvalidRequest)
	}
	if req.Start.IsZero() {
		return nil, nil, fmt.Errorf("%w: start time is required", ErrInvalidRequest)
	}

	rate, ok := money.Parse(req.Rate)
	if !ok || rate.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: invalid rate %q", ErrInvalidRequest, req.Rate)
	}

	end := req.Start.Add(time.Duration(req.DurationMinutes) * time.Minute)

	covered, err := s.availability.Covers(ctx, req.TutorID, req.Start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check availability: %w", err)
	}
	if !covered {
		metrics.BookingsTotal.WithLabelValues("unavailable").Inc()
		return nil, nil, ErrUnavailable
	}

	overlap, err := s.conflicts.HasOverlap(ctx, req.TutorID, req.Start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check booking conflicts: %w", err)
	}
	if overlap {
		metrics.BookingsTotal.WithLabelValues("conflict").Inc()
		return nil, nil, ErrConflict
	}

	quote := s.priceRequest(rate, req.DurationMinutes)

	account, err := s.ledger.GetAccount(ctx, req.RequesterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payer account: %w", err)
	}
	available, ok := money.Parse(account.Available)
	if !ok {
		return nil, nil, fmt.Errorf("corrupt available balance for account %s", account.ID)
	}
	total, _ := money.Parse(quote.Total)
	if available.Cmp(total) < 0 {
		metrics.BookingsTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, nil, ErrInsufficientFunds
	}

	if !validDuration(req.DurationMinutes) {
		metrics.BookingsTotal.WithLabelValues("invalid_duration").Inc()
		return nil, nil, ErrInvalidDuration
	}

	draft := &escrow.Draft{
		BookingID:      idgen.WithPrefix("bk_"),
		PayerID:        req.RequesterID,
		PayeeID:        req.TutorID,
		Amount:         quote.Total,
		Fee:            quote.Fee,
		ScheduledStart: req.Start,
		ScheduledEnd:   end,
		GraceDeadline:  req.Start.Add(s.gracePeriod),
	}
	return draft, quote, nil
}

// Submit validates the request and, on acceptance, opens the escrow.
// Check and open hold the tutor's lock together: two racing submissions
// for the same tutor cannot both pass the overlap check. The store's
// overlap constraint is the backstop for multi-process deployments.
func (s *Service) Submit(ctx context.Context, req *Request) (*escrow.Record, *Quote, error) {
	unlock := s.tutors.Lock(req.TutorID)
	defer unlock()

	draft, quote, err := s.Validate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	record, err := s.escrows.Open(ctx, *draft)
	if err != nil {
		return nil, nil, err
	}

	metrics.BookingsTotal.WithLabelValues("accepted").Inc()
	logging.L(ctx).Info("booking accepted",
		"booking_id", draft.BookingID,
		"escrow_id", record.ID,
		"payer_id", req.RequesterID,
		"payee_id", req.TutorID,
		"total", quote.Total)
	return record, quote, nil
}

// priceRequest computes price = rate x duration, fee = feePercent of price.
func (s *Service) priceRequest(rate *big.Int, minutes int) *Quote {
	price := new(big.Int).Mul(rate, big.NewInt(int64(minutes)))
	price.Div(price, big.NewInt(60))
	fee := money.Percent(price, s.feePercent)
	total := new(big.Int).Add(price, fee)
	return &Quote{
		Price: money.Format(price),
		Fee:   money.Format(fee),
		Total: money.Format(total),
	}
}

func validDuration(minutes int) bool {
	for _, m := range SlotMinutes {
		if minutes == m {
			return true
		}
	}
	return false
}
