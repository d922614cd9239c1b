// Package session tracks wall-clock session timing and drives escrow
// transitions from join/end signals and timer expiry.
//
// The controller's signals are idempotent where the underlying transition
// already happened: a second join on an Active escrow or a second end on a
// Completed one is a no-op, never a duplicate transition. Signals that
// contradict the lifecycle (joining an abandoned session) fail instead.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/logging"
)

// timer is the ephemeral per-escrow join state. It exists only while the
// escrow is Pending and is dropped once the record leaves that state.
type timer struct {
	mu        sync.Mutex
	joins     map[string]time.Time // participant id -> first join
	firstJoin time.Time
}

// Controller turns participant signals into escrow transitions.
type Controller struct {
	escrows *escrow.Service
	mu      sync.Mutex
	timers  map[string]*timer
}

// NewController creates a session controller.
func NewController(escrows *escrow.Service) *Controller {
	return &Controller{
		escrows: escrows,
		timers:  make(map[string]*timer),
	}
}

// ReportJoin records a participant joining. When both parties have joined
// a Pending escrow, it transitions to Active. Joining an already Active
// escrow is a no-op; joining a terminal one fails.
func (c *Controller) ReportJoin(ctx context.Context, escrowID, participantID string) (*escrow.Record, error) {
	record, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !isParty(record, participantID) {
		return nil, escrow.ErrUnauthorized
	}

	switch record.Status {
	case escrow.StatusActive:
		return record, nil
	case escrow.StatusPending:
	default:
		if record.Status == escrow.StatusSettled {
			return nil, escrow.ErrAlreadySettled
		}
		return nil, escrow.ErrStateConflict
	}

	t := c.timerFor(escrowID)
	t.mu.Lock()
	now := time.Now()
	if _, seen := t.joins[strings.ToLower(participantID)]; !seen {
		t.joins[strings.ToLower(participantID)] = now
		if t.firstJoin.IsZero() {
			t.firstJoin = now
		}
	}
	bothJoined := len(t.joins) >= 2
	startedAt := t.firstJoin
	t.mu.Unlock()

	if !bothJoined {
		logging.L(ctx).Info("participant joined, waiting for counterpart",
			"escrow_id", escrowID, "participant_id", participantID)
		return record, nil
	}

	activated, err := c.escrows.Activate(ctx, escrowID, startedAt)
	if errors.Is(err, escrow.ErrStateConflict) {
		// A concurrent join won the transition; report the fresh state.
		c.dropTimer(escrowID)
		return c.escrows.Get(ctx, escrowID)
	}
	if err != nil {
		return nil, err
	}

	c.dropTimer(escrowID)
	logging.L(ctx).Info("session active", "escrow_id", escrowID)
	return activated, nil
}

// ReportEnd ends an Active session, transitioning it to Completed.
// A repeat end on an already Completed escrow is a no-op.
func (c *Controller) ReportEnd(ctx context.Context, escrowID, participantID string) (*escrow.Record, error) {
	record, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !isParty(record, participantID) {
		return nil, escrow.ErrUnauthorized
	}

	switch record.Status {
	case escrow.StatusCompleted:
		return record, nil
	case escrow.StatusActive:
	default:
		if record.Status == escrow.StatusSettled {
			return nil, escrow.ErrAlreadySettled
		}
		return nil, escrow.ErrStateConflict
	}

	completed, err := c.escrows.Complete(ctx, escrowID, "ended_by_participant")
	if errors.Is(err, escrow.ErrStateConflict) {
		fresh, ferr := c.escrows.Get(ctx, escrowID)
		if ferr == nil && fresh.Status == escrow.StatusCompleted {
			return fresh, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("session ended", "escrow_id", escrowID, "ended_by", participantID)
	return completed, nil
}

func (c *Controller) timerFor(escrowID string) *timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[escrowID]
	if !ok {
		t = &timer{joins: make(map[string]time.Time)}
		c.timers[escrowID] = t
	}
	return t
}

func (c *Controller) dropTimer(escrowID string) {
	c.mu.Lock()
	delete(c.timers, escrowID)
	c.mu.Unlock()
}

func isParty(record *escrow.Record, participantID string) bool {
	return strings.EqualFold(participantID, record.PayerID) ||
		strings.EqualFold(participantID, record.PayeeID)
}
