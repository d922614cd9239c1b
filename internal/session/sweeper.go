package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/metrics"
	"github.com/edumatch/edumatch/internal/settlement"
)

const sweepBatchSize = 100

// Settler settles terminal escrows. Satisfied by the settlement engine.
type Settler interface {
	Settle(ctx context.Context, escrowID, callerID string, ratings *settlement.Ratings) (*escrow.Record, error)
}

// Sweeper is the timer half of the lifecycle controller. On each tick it
// abandons Pending escrows whose no-show grace period elapsed, completes
// Active escrows past their scheduled end, and settles any terminal
// escrow still awaiting payout. Each pass is idempotent, so a crash
// between steps just means the next tick finishes the job.
type Sweeper struct {
	escrows  *escrow.Service
	settler  Settler
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a lifecycle sweeper.
func NewSweeper(escrows *escrow.Service, settler Settler, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		escrows:  escrows,
		settler:  settler,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("lifecycle sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()

	now := time.Now()
	s.abandonNoShows(ctx, now)
	s.completeOverdue(ctx, now)
	s.settleTerminal(ctx)
}

// abandonNoShows moves Pending escrows past their grace deadline to
// Abandoned.
func (s *Sweeper) abandonNoShows(ctx context.Context, now time.Time) {
	expired, err := s.escrows.Store().ListGraceExpired(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to list grace-expired escrows", "error", err)
		return
	}
	for _, record := range expired {
		if _, err := s.escrows.Abandon(ctx, record.ID, "no_show"); err != nil {
			if errors.Is(err, escrow.ErrStateConflict) || errors.Is(err, escrow.ErrAlreadySettled) {
				continue // someone joined or disputed in the meantime
			}
			s.logger.Error("failed to abandon no-show escrow", "escrow_id", record.ID, "error", err)
			continue
		}
		metrics.GraceExpiriesTotal.Inc()
		s.logger.Info("escrow abandoned after grace period", "escrow_id", record.ID)
	}
}

// completeOverdue ends Active escrows whose scheduled duration elapsed
// without an explicit end signal.
func (s *Sweeper) completeOverdue(ctx context.Context, now time.Time) {
	overdue, err := s.escrows.Store().ListActivePastEnd(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to list overdue escrows", "error", err)
		return
	}
	for _, record := range overdue {
		if _, err := s.escrows.Complete(ctx, record.ID, "scheduled_end"); err != nil {
			if errors.Is(err, escrow.ErrStateConflict) || errors.Is(err, escrow.ErrAlreadySettled) {
				continue
			}
			s.logger.Error("failed to complete overdue escrow", "escrow_id", record.ID, "error", err)
			continue
		}
		s.logger.Info("escrow completed at scheduled end", "escrow_id", record.ID)
	}
}

// settleTerminal pays out escrows sitting in a terminal pre-settlement
// state. An unsettled terminal escrow is an anomaly, so failures are
// logged loudly and retried on the next tick.
func (s *Sweeper) settleTerminal(ctx context.Context) {
	for _, status := range []escrow.Status{escrow.StatusCompleted, escrow.StatusAbandoned} {
		records, err := s.escrows.Store().ListByStatus(ctx, status, sweepBatchSize)
		if err != nil {
			s.logger.Error("failed to list unsettled escrows", "status", status, "error", err)
			continue
		}
		for _, record := range records {
			if _, err := s.settler.Settle(ctx, record.ID, "", nil); err != nil {
				s.logger.Error("failed to settle terminal escrow",
					"escrow_id", record.ID, "status", status, "error", err)
			}
		}
	}
}
