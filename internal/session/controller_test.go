package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
)

type noopLedger struct{}

func (noopLedger) LockFunds(ctx context.Context, accountID, amount, reference string) error {
	return nil
}

func (noopLedger) UnlockFunds(ctx context.Context, accountID, amount, reference string) error {
	return nil
}

func newEscrowService() *escrow.Service {
	return escrow.NewService(escrow.NewMemoryStore(), noopLedger{})
}

func openEscrow(t *testing.T, svc *escrow.Service, draft escrow.Draft) *escrow.Record {
	t.Helper()
	record, err := svc.Open(context.Background(), draft)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return record
}

func pendingDraft() escrow.Draft {
	start := time.Now().Add(time.Hour)
	return escrow.Draft{
		BookingID:      "bk_1",
		PayerID:        "acc_student",
		PayeeID:        "acc_tutor",
		Amount:         "42.00",
		Fee:            "2.00",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
		GraceDeadline:  start.Add(10 * time.Minute),
	}
}

func TestBothJoinsActivate(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	ctx := context.Background()
	record := openEscrow(t, svc, pendingDraft())

	after, err := ctrl.ReportJoin(ctx, record.ID, "acc_student")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if after.Status != escrow.StatusPending {
		t.Errorf("status after one join = %s, want pending", after.Status)
	}

	after, err = ctrl.ReportJoin(ctx, record.ID, "acc_tutor")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if after.Status != escrow.StatusActive {
		t.Errorf("status after both joins = %s, want active", after.Status)
	}
	if after.ActualStart == nil {
		t.Error("ActualStart not set on activation")
	}
}

func TestRepeatJoinIsNoOp(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	ctx := context.Background()
	record := openEscrow(t, svc, pendingDraft())

	// Same participant joining twice does not count as both parties
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); err != nil {
		t.Fatalf("join: %v", err)
	}
	after, err := ctrl.ReportJoin(ctx, record.ID, "acc_student")
	if err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if after.Status != escrow.StatusPending {
		t.Errorf("status = %s, want pending", after.Status)
	}

	// Joining an already Active escrow is a no-op
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_tutor"); err != nil {
		t.Fatalf("activating join: %v", err)
	}
	after, err = ctrl.ReportJoin(ctx, record.ID, "acc_student")
	if err != nil {
		t.Fatalf("join on active: %v", err)
	}
	if after.Status != escrow.StatusActive {
		t.Errorf("status = %s, want active", after.Status)
	}
}

func TestJoinRejectsOutsiders(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	record := openEscrow(t, svc, pendingDraft())

	_, err := ctrl.ReportJoin(context.Background(), record.ID, "acc_stranger")
	if !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestJoinAfterGraceDeadlineRejected(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	ctx := context.Background()

	// Deadline already behind us; the sweep has not run yet
	draft := pendingDraft()
	draft.ScheduledStart = time.Now().Add(-time.Hour)
	draft.ScheduledEnd = draft.ScheduledStart.Add(2 * time.Hour)
	draft.GraceDeadline = draft.ScheduledStart.Add(10 * time.Minute)
	record := openEscrow(t, svc, draft)

	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := ctrl.ReportJoin(ctx, record.ID, "acc_tutor")
	if !errors.Is(err, escrow.ErrGraceExpired) {
		t.Errorf("late pair join err = %v, want ErrGraceExpired", err)
	}

	after, _ := svc.Get(ctx, record.ID)
	if after.Status != escrow.StatusPending {
		t.Errorf("status = %s, want pending until the sweeper abandons it", after.Status)
	}
}

func TestJoinOnTerminalFails(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	ctx := context.Background()
	record := openEscrow(t, svc, pendingDraft())

	if _, err := svc.Abandon(ctx, record.ID, "no_show"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); !errors.Is(err, escrow.ErrStateConflict) {
		t.Errorf("join on abandoned err = %v, want ErrStateConflict", err)
	}

	if _, err := svc.MarkSettled(ctx, record.ID, &escrow.Outcome{Resolution: "refunded"}); err != nil {
		t.Fatalf("MarkSettled: %v", err)
	}
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); !errors.Is(err, escrow.ErrAlreadySettled) {
		t.Errorf("join on settled err = %v, want ErrAlreadySettled", err)
	}
}

func TestReportEnd(t *testing.T) {
	svc := newEscrowService()
	ctrl := NewController(svc)
	ctx := context.Background()
	record := openEscrow(t, svc, pendingDraft())

	// Ending a Pending session contradicts the lifecycle
	if _, err := ctrl.ReportEnd(ctx, record.ID, "acc_student"); !errors.Is(err, escrow.ErrStateConflict) {
		t.Errorf("end on pending err = %v, want ErrStateConflict", err)
	}

	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_student"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.ReportJoin(ctx, record.ID, "acc_tutor"); err != nil {
		t.Fatal(err)
	}

	after, err := ctrl.ReportEnd(ctx, record.ID, "acc_tutor")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if after.Status != escrow.StatusCompleted || after.Reason != "ended_by_participant" {
		t.Errorf("record = %s/%s", after.Status, after.Reason)
	}

	// Second end is a no-op
	after, err = ctrl.ReportEnd(ctx, record.ID, "acc_student")
	if err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if after.Status != escrow.StatusCompleted {
		t.Errorf("status = %s, want completed", after.Status)
	}
}
