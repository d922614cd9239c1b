package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/ledger"
)

type stubLedger struct {
	available map[string]string
}

func (s *stubLedger) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	avail, ok := s.available[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{ID: id, Available: avail, Locked: "0.00"}, nil
}

type stubConflicts struct {
	overlap bool
}

func (s *stubConflicts) HasOverlap(ctx context.Context, payeeID string, start, end time.Time) (bool, error) {
	return s.overlap, nil
}

type stubOpener struct {
	opened []escrow.Draft
}

func (s *stubOpener) Open(ctx context.Context, draft escrow.Draft) (*escrow.Record, error) {
	s.opened = append(s.opened, draft)
	return &escrow.Record{
		ID:        "esc_test",
		BookingID: draft.BookingID,
		PayerID:   draft.PayerID,
		PayeeID:   draft.PayeeID,
		Amount:    draft.Amount,
		Fee:       draft.Fee,
		Status:    escrow.StatusPending,
	}, nil
}

type fixture struct {
	svc          *Service
	availability *MemoryAvailabilityStore
	conflicts    *stubConflicts
	ledger       *stubLedger
	opener       *stubOpener
	start        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	availability := NewMemoryAvailabilityStore()
	conflicts := &stubConflicts{}
	led := &stubLedger{available: map[string]string{"acc_student": "100.00"}}
	opener := &stubOpener{}

	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	window, err := NewWindow("acc_tutor", start.Add(-time.Hour), start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if err := availability.Publish(context.Background(), window); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	return &fixture{
		svc:          NewService(availability, conflicts, led, opener, 5, 10*time.Minute),
		availability: availability,
		conflicts:    conflicts,
		ledger:       led,
		opener:       opener,
		start:        start,
	}
}

func (f *fixture) request() *Request {
	return &Request{
		RequesterID:     "acc_student",
		TutorID:         "acc_tutor",
		Start:           f.start,
		DurationMinutes: 60,
		Rate:            "40.00",
	}
}

func TestValidateQuote(t *testing.T) {
	f := newFixture(t)

	draft, quote, err := f.svc.Validate(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if quote.Price != "40.00" || quote.Fee != "2.00" || quote.Total != "42.00" {
		t.Errorf("quote = %s/%s/%s, want 40.00/2.00/42.00", quote.Price, quote.Fee, quote.Total)
	}
	if draft.Amount != "42.00" || draft.Fee != "2.00" {
		t.Errorf("draft amounts = %s/%s", draft.Amount, draft.Fee)
	}
	if !draft.ScheduledEnd.Equal(f.start.Add(time.Hour)) {
		t.Errorf("ScheduledEnd = %v", draft.ScheduledEnd)
	}
	if !draft.GraceDeadline.Equal(f.start.Add(10 * time.Minute)) {
		t.Errorf("GraceDeadline = %v", draft.GraceDeadline)
	}
	if len(f.opener.opened) != 0 {
		t.Error("Validate must not open an escrow")
	}
}

func TestValidateHalfHourRate(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.DurationMinutes = 30

	_, quote, err := f.svc.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if quote.Price != "20.00" || quote.Fee != "1.00" || quote.Total != "21.00" {
		t.Errorf("quote = %s/%s/%s, want 20.00/1.00/21.00", quote.Price, quote.Fee, quote.Total)
	}
}

func TestValidateRejectsOutsideAvailability(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.Start = f.start.Add(6 * time.Hour)

	_, _, err := f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestValidateRejectsConflict(t *testing.T) {
	f := newFixture(t)
	f.conflicts.overlap = true

	_, _, err := f.svc.Validate(context.Background(), f.request())
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestValidateRejectsInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.ledger.available["acc_student"] = "41.99"

	_, _, err := f.svc.Validate(context.Background(), f.request())
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestValidateRejectsInvalidDuration(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.DurationMinutes = 45

	_, _, err := f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("err = %v, want ErrInvalidDuration", err)
	}
}

func TestValidateCheckOrder(t *testing.T) {
	// An unavailable window wins over every later failure.
	f := newFixture(t)
	f.conflicts.overlap = true
	f.ledger.available["acc_student"] = "0.00"
	req := f.request()
	req.Start = f.start.Add(6 * time.Hour)
	req.DurationMinutes = 45

	_, _, err := f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable first", err)
	}

	// Conflict beats balance and duration.
	req.Start = f.start
	_, _, err = f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict before balance", err)
	}

	// Balance beats duration.
	f.conflicts.overlap = false
	_, _, err = f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds before duration", err)
	}
}

func TestValidateRejectsSelfBooking(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.TutorID = req.RequesterID

	_, _, err := f.svc.Validate(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestSubmitOpensEscrow(t *testing.T) {
	f := newFixture(t)

	record, quote, err := f.svc.Submit(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if record.Status != escrow.StatusPending {
		t.Errorf("status = %s, want pending", record.Status)
	}
	if len(f.opener.opened) != 1 {
		t.Fatalf("opened = %d, want 1", len(f.opener.opened))
	}
	if f.opener.opened[0].Amount != quote.Total {
		t.Errorf("locked %s, quoted total %s", f.opener.opened[0].Amount, quote.Total)
	}
}

type noopEscrowLedger struct{}

func (noopEscrowLedger) LockFunds(ctx context.Context, accountID, amount, reference string) error {
	return nil
}

func (noopEscrowLedger) UnlockFunds(ctx context.Context, accountID, amount, reference string) error {
	return nil
}

func TestSubmitSerializesPerTutor(t *testing.T) {
	// Racing submissions for the same tutor and window must produce
	// exactly one escrow; the rest fail the conflict check.
	availability := NewMemoryAvailabilityStore()
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	window, err := NewWindow("acc_tutor", start.Add(-time.Hour), start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if err := availability.Publish(context.Background(), window); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	store := escrow.NewMemoryStore()
	escrows := escrow.NewService(store, noopEscrowLedger{})
	led := &stubLedger{available: map[string]string{"acc_student": "1000.00"}}
	svc := NewService(availability, store, led, escrows, 5, 10*time.Minute)

	const racers = 32
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.Submit(context.Background(), &Request{
				RequesterID:     "acc_student",
				TutorID:         "acc_tutor",
				Start:           start,
				DurationMinutes: 60,
				Rate:            "40.00",
			})
		}(i)
	}
	wg.Wait()

	var accepted int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}

	overlap, err := store.HasOverlap(context.Background(), "acc_tutor", start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("HasOverlap: %v", err)
	}
	if !overlap {
		t.Error("no escrow holds the booked window")
	}
}

func TestWindowValidation(t *testing.T) {
	now := time.Now()
	if _, err := NewWindow("acc_tutor", now, now); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("zero-length window err = %v, want ErrInvalidWindow", err)
	}
	if _, err := NewWindow("acc_tutor", now.Add(time.Hour), now); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("inverted window err = %v, want ErrInvalidWindow", err)
	}
}

func TestCoversRequiresSingleWindow(t *testing.T) {
	// Two adjacent windows that only jointly cover the span do not count.
	availability := NewMemoryAvailabilityStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	w1, _ := NewWindow("acc_tutor", base, base.Add(time.Hour))
	w2, _ := NewWindow("acc_tutor", base.Add(time.Hour), base.Add(2*time.Hour))
	availability.Publish(ctx, w1)
	availability.Publish(ctx, w2)

	covered, err := availability.Covers(ctx, "acc_tutor", base.Add(30*time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Covers: %v", err)
	}
	if covered {
		t.Error("span across two windows reported as covered")
	}

	covered, _ = availability.Covers(ctx, "acc_tutor", base, base.Add(time.Hour))
	if !covered {
		t.Error("exact window span not covered")
	}
}
