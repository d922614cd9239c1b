package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/settlement"
)

// recordingSettler marks escrows settled and remembers which IDs it saw.
type recordingSettler struct {
	mu      sync.Mutex
	escrows *escrow.Service
	settled []string
}

func (r *recordingSettler) Settle(ctx context.Context, escrowID, callerID string, ratings *settlement.Ratings) (*escrow.Record, error) {
	r.mu.Lock()
	r.settled = append(r.settled, escrowID)
	r.mu.Unlock()
	return r.escrows.MarkSettled(ctx, escrowID, &escrow.Outcome{Resolution: "refunded"})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSweepAbandonsNoShows(t *testing.T) {
	svc := newEscrowService()
	settler := &recordingSettler{escrows: svc}
	sweeper := NewSweeper(svc, settler, time.Minute, testLogger())
	ctx := context.Background()

	// Grace deadline already elapsed, nobody joined
	draft := pendingDraft()
	draft.ScheduledStart = time.Now().Add(-30 * time.Minute)
	draft.ScheduledEnd = draft.ScheduledStart.Add(time.Hour)
	draft.GraceDeadline = draft.ScheduledStart.Add(10 * time.Minute)
	expired := openEscrow(t, svc, draft)

	// Still inside the grace period
	fresh := openEscrow(t, svc, pendingDraft())

	sweeper.sweep(ctx)

	record, err := svc.Get(ctx, expired.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != escrow.StatusSettled {
		t.Errorf("expired escrow = %s, want settled after sweep", record.Status)
	}
	if record.Result == nil || record.Result.Resolution != "refunded" {
		t.Errorf("Result = %v, want refunded outcome", record.Result)
	}

	record, _ = svc.Get(ctx, fresh.ID)
	if record.Status != escrow.StatusPending {
		t.Errorf("fresh escrow = %s, want untouched pending", record.Status)
	}
}

func TestSweepCompletesOverdueSessions(t *testing.T) {
	svc := newEscrowService()
	settler := &recordingSettler{escrows: svc}
	sweeper := NewSweeper(svc, settler, time.Minute, testLogger())
	ctrl := NewController(svc)
	ctx := context.Background()

	draft := pendingDraft()
	draft.ScheduledStart = time.Now().Add(-2 * time.Hour)
	draft.ScheduledEnd = draft.ScheduledStart.Add(time.Hour)
	draft.GraceDeadline = time.Now().Add(10 * time.Minute)
	record := openEscrow(t, svc, draft)

	// Both parties joined inside the grace window; nobody sent an end signal
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_tutor"); err != nil {
		t.Fatal(err)
	}

	sweeper.sweep(ctx)

	after, _ := svc.Get(ctx, record.ID)
	if after.Status != escrow.StatusSettled {
		t.Errorf("status = %s, want settled", after.Status)
	}
	if after.Reason != "scheduled_end" {
		t.Errorf("reason = %s, want scheduled_end", after.Reason)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	svc := newEscrowService()
	settler := &recordingSettler{escrows: svc}
	sweeper := NewSweeper(svc, settler, time.Minute, testLogger())
	ctx := context.Background()

	draft := pendingDraft()
	draft.GraceDeadline = time.Now().Add(-time.Minute)
	record := openEscrow(t, svc, draft)

	sweeper.sweep(ctx)
	sweeper.sweep(ctx)

	after, _ := svc.Get(ctx, record.ID)
	if after.Status != escrow.StatusSettled {
		t.Errorf("status = %s, want settled", after.Status)
	}
	if len(settler.settled) != 1 {
		t.Errorf("settle calls = %d, want 1", len(settler.settled))
	}
}
