// Package settlement turns a terminal escrow into committed ledger
// postings, token rewards, and reputation entries.
//
// A settlement is atomic and idempotent at every layer: the posting batch
// is applied exactly once per escrow, reputation entries are deduplicated
// per escrow and reviewer, and the final Settled transition stores the
// outcome so a retried call returns the original result instead of paying
// out twice. A settle call that fails mid-way leaves the escrow
// re-settleable with the same inputs.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/ledger"
	"github.com/edumatch/edumatch/internal/logging"
	"github.com/edumatch/edumatch/internal/metrics"
	"github.com/edumatch/edumatch/internal/money"
	"github.com/edumatch/edumatch/internal/reputation"
	"github.com/edumatch/edumatch/internal/syncutil"
)

var (
	ErrNotReady          = errors.New("escrow is not in a terminal pre-settlement state")
	ErrUnresolvedDispute = errors.New("disputed escrow has no resolution split yet")
	ErrRatingsNotAllowed = errors.New("ratings are only accepted for completed sessions")
)

// Resolutions stamped on the settlement outcome.
const (
	ResolutionCompleted = "completed"
	ResolutionRefunded  = "refunded"
	ResolutionSplit     = "split"
)

// Ratings carries the optional post-session reviews submitted alongside a
// settle call.
type Ratings struct {
	ByPayer int `json:"byPayer,omitempty"` // student rates tutor
	ByPayee int `json:"byPayee,omitempty"` // tutor rates student
}

func (r *Ratings) empty() bool {
	return r == nil || (r.ByPayer == 0 && r.ByPayee == 0)
}

// LedgerApplier is the slice of the ledger the engine needs.
type LedgerApplier interface {
	ApplySettlement(ctx context.Context, reference string, postings []ledger.Posting) error
}

// Engine computes and commits settlements.
type Engine struct {
	escrows    *escrow.Service
	ledger     LedgerApplier
	reputation *reputation.Service
	platformID string
	reward     *big.Int // tokens minted to each party on completion
	accounts   syncutil.ShardedMutex
}

// NewEngine creates a settlement engine. reward is the whole-token
// completion bonus minted to each participant.
func NewEngine(escrows *escrow.Service, ledgerApplier LedgerApplier, rep *reputation.Service, platformID string, reward *big.Int) *Engine {
	return &Engine{
		escrows:    escrows,
		ledger:     ledgerApplier,
		reputation: rep,
		platformID: platformID,
		reward:     reward,
	}
}

// Settle commits the payout for an escrow in a terminal pre-settlement
// state. Safe to retry: a repeat call on a settled escrow returns the
// stored record unchanged.
//
// callerID attributes any ratings: ByPayer is only accepted from the
// payer and ByPayee from the payee. Internal callers (the sweeper, the
// resolve path) pass an empty callerID and no ratings. Ratings on an
// already-settled completed escrow are still recorded, since the sweeper
// usually settles before the parties get around to reviewing.
func (e *Engine) Settle(ctx context.Context, escrowID, callerID string, ratings *Ratings) (*escrow.Record, error) {
	record, err := e.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRatings(record, callerID, ratings); err != nil {
		return nil, err
	}

	if record.Status == escrow.StatusSettled {
		if ratings.empty() {
			return record, nil
		}
		if record.Result == nil || record.Result.Resolution != ResolutionCompleted {
			return nil, ErrRatingsNotAllowed
		}
		if err := e.recordRatings(ctx, record, ratings); err != nil {
			return nil, err
		}
		return record, nil
	}

	outcome, err := e.computeOutcome(record)
	if err != nil {
		return nil, err
	}
	if !ratings.empty() && outcome.Resolution != ResolutionCompleted {
		return nil, ErrRatingsNotAllowed
	}

	postings, err := e.buildPostings(record, outcome)
	if err != nil {
		return nil, err
	}

	// Serialize the three accounts in shard order so two settlements
	// sharing an account can never deadlock.
	unlock := e.accounts.LockMany(record.PayerID, record.PayeeID, e.platformID)
	err = e.ledger.ApplySettlement(ctx, record.ID, postings)
	unlock()
	if errors.Is(err, ledger.ErrDuplicateSettlement) {
		// Postings landed on a previous attempt that failed later on.
		// Continue so the remaining steps catch up.
		logging.L(ctx).Info("settlement postings already applied, resuming",
			"escrow_id", record.ID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to apply settlement postings: %w", err)
	}

	if outcome.Resolution == ResolutionCompleted {
		if err := e.recordRatings(ctx, record, ratings); err != nil {
			return nil, err
		}
	}

	settled, err := e.escrows.MarkSettled(ctx, record.ID, outcome)
	if errors.Is(err, escrow.ErrAlreadySettled) {
		return e.escrows.Get(ctx, record.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark escrow settled: %w", err)
	}

	metrics.SettlementsTotal.WithLabelValues(outcome.Resolution).Inc()
	logging.L(ctx).Info("escrow settled",
		"escrow_id", settled.ID,
		"resolution", outcome.Resolution,
		"payee_amount", outcome.PayeeAmount,
		"payer_refund", outcome.PayerRefund,
		"fee", outcome.FeeAmount)
	return settled, nil
}

// computeOutcome derives the payout split from the record's terminal state.
//
// The locked total is price + fee. The payee can earn at most the price
// net of the platform fee; whatever the payee does not earn, plus the fee
// surcharge collected at booking, flows back to the payer. The fee itself
// goes to the platform in every resolution except a full refund.
func (e *Engine) computeOutcome(record *escrow.Record) (*escrow.Outcome, error) {
	total, ok := money.Parse(record.Amount)
	if !ok {
		return nil, fmt.Errorf("corrupt escrow amount %q", record.Amount)
	}
	fee, ok := money.Parse(record.Fee)
	if !ok {
		return nil, fmt.Errorf("corrupt escrow fee %q", record.Fee)
	}

	switch record.Status {
	case escrow.StatusCompleted:
		return e.splitOutcome(ResolutionCompleted, total, fee, 10000, true), nil

	case escrow.StatusAbandoned:
		return &escrow.Outcome{
			Resolution:   ResolutionRefunded,
			PayeeAmount:  money.Format(big.NewInt(0)),
			PayerRefund:  money.Format(total),
			FeeAmount:    money.Format(big.NewInt(0)),
			RewardTokens: "0",
		}, nil

	case escrow.StatusDisputed:
		if record.SplitBps == nil {
			return nil, ErrUnresolvedDispute
		}
		return e.splitOutcome(ResolutionSplit, total, fee, *record.SplitBps, false), nil

	default:
		return nil, ErrNotReady
	}
}

// splitOutcome pays the payee bps/10000 of the net principal (price minus
// fee), sends the fee to the platform, and refunds the payer the rest of
// the locked total.
func (e *Engine) splitOutcome(resolution string, total, fee *big.Int, bps int, rewarded bool) *escrow.Outcome {
	price := new(big.Int).Sub(total, fee)
	net := new(big.Int).Sub(price, fee)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}

	payeeAmount, _ := money.Split(net, int64(bps), 10000)
	payerRefund := new(big.Int).Sub(total, fee)
	payerRefund.Sub(payerRefund, payeeAmount)

	reward := "0"
	if rewarded {
		reward = e.reward.String()
	}
	return &escrow.Outcome{
		Resolution:   resolution,
		PayeeAmount:  money.Format(payeeAmount),
		PayerRefund:  money.Format(payerRefund),
		FeeAmount:    money.Format(fee),
		RewardTokens: reward,
	}
}

// buildPostings renders the outcome as a zero-sum ledger batch keyed by the
// escrow ID.
func (e *Engine) buildPostings(record *escrow.Record, outcome *escrow.Outcome) ([]ledger.Posting, error) {
	total, _ := money.Parse(record.Amount)
	payeeAmount, _ := money.Parse(outcome.PayeeAmount)
	payerRefund, _ := money.Parse(outcome.PayerRefund)
	fee, _ := money.Parse(outcome.FeeAmount)

	postings := []ledger.Posting{
		{
			AccountID:      record.PayerID,
			AvailableDelta: payerRefund,
			LockedDelta:    new(big.Int).Neg(total),
			EntryType:      "settlement_release",
			Description:    fmt.Sprintf("escrow %s released (%s)", record.ID, outcome.Resolution),
		},
	}
	if payeeAmount.Sign() > 0 {
		postings = append(postings, ledger.Posting{
			AccountID:      record.PayeeID,
			AvailableDelta: payeeAmount,
			EntryType:      "settlement_payout",
			Description:    fmt.Sprintf("payout for escrow %s", record.ID),
		})
	}
	if fee.Sign() > 0 {
		postings = append(postings, ledger.Posting{
			AccountID:      e.platformID,
			AvailableDelta: fee,
			EntryType:      "platform_fee",
			Description:    fmt.Sprintf("fee for escrow %s", record.ID),
		})
	}
	if outcome.RewardTokens != "0" && e.reward.Sign() > 0 {
		for _, accountID := range []string{record.PayerID, record.PayeeID} {
			postings = append(postings, ledger.Posting{
				AccountID:   accountID,
				TokenDelta:  new(big.Int).Set(e.reward),
				EntryType:   "completion_reward",
				Description: fmt.Sprintf("completion reward for escrow %s", record.ID),
			})
		}
	}
	return postings, nil
}

// authorizeRatings rejects ratings the caller may not submit on this
// record's behalf, so a third party cannot fabricate reviews by posting
// a settle request with a ratings body.
func authorizeRatings(record *escrow.Record, callerID string, ratings *Ratings) error {
	if ratings.empty() {
		return nil
	}
	if ratings.ByPayer != 0 && !strings.EqualFold(callerID, record.PayerID) {
		return escrow.ErrUnauthorized
	}
	if ratings.ByPayee != 0 && !strings.EqualFold(callerID, record.PayeeID) {
		return escrow.ErrUnauthorized
	}
	return nil
}

// recordRatings appends the supplied reviews. Duplicates from a previous
// settle attempt are skipped.
func (e *Engine) recordRatings(ctx context.Context, record *escrow.Record, ratings *Ratings) error {
	if ratings.empty() {
		return nil
	}
	if ratings.ByPayer != 0 {
		_, err := e.reputation.Record(ctx, record.PayerID, record.PayeeID, ratings.ByPayer, record.ID)
		if err != nil && !errors.Is(err, reputation.ErrDuplicate) {
			return fmt.Errorf("failed to record payer rating: %w", err)
		}
	}
	if ratings.ByPayee != 0 {
		_, err := e.reputation.Record(ctx, record.PayeeID, record.PayerID, ratings.ByPayee, record.ID)
		if err != nil && !errors.Is(err, reputation.ErrDuplicate) {
			return fmt.Errorf("failed to record payee rating: %w", err)
		}
	}
	return nil
}

// Resolve records an externally decided dispute split and immediately
// settles under it. split is the payee's fraction in [0, 1].
func (e *Engine) Resolve(ctx context.Context, escrowID string, split float64) (*escrow.Record, error) {
	if split < 0 || split > 1 {
		return nil, escrow.ErrInvalidSplit
	}
	bps := int(split*10000 + 0.5)
	if _, err := e.escrows.ResolveDispute(ctx, escrowID, bps); err != nil {
		return nil, err
	}
	return e.Settle(ctx, escrowID, "", nil)
}
