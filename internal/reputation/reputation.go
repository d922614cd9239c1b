// Package reputation keeps the append-only rating log. An account's
// displayed score is always the mean over its entries, computed on read;
// there is no stored aggregate to drift out of sync.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edumatch/edumatch/internal/idgen"
)

var (
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrDuplicate     = errors.New("rating already recorded for this escrow and reviewer")
)

const (
	MinRating = 1
	MaxRating = 5
)

// Entry is one immutable rating tied to a settled session.
type Entry struct {
	ID         string    `json:"id"`
	ReviewerID string    `json:"reviewerId"`
	RevieweeID string    `json:"revieweeId"`
	Rating     int       `json:"rating"`
	EscrowID   string    `json:"escrowId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary is the derived view of an account's reputation.
type Summary struct {
	AccountID string  `json:"accountId"`
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
}

// Store persists reputation entries. Append-only: no update or delete.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByReviewee(ctx context.Context, revieweeID string, limit int) ([]*Entry, error)
	// HasForEscrow reports whether the reviewer already rated this escrow.
	HasForEscrow(ctx context.Context, escrowID, reviewerID string) (bool, error)
}

// Service validates and records ratings.
type Service struct {
	store Store
}

// NewService creates a reputation service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record appends a rating. Duplicate ratings for the same escrow and
// reviewer are rejected, which makes settlement retries safe.
func (s *Service) Record(ctx context.Context, reviewerID, revieweeID string, rating int, escrowID string) (*Entry, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, ErrInvalidRating
	}

	exists, err := s.store.HasForEscrow(ctx, escrowID, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing rating: %w", err)
	}
	if exists {
		return nil, ErrDuplicate
	}

	entry := &Entry{
		ID:         idgen.WithPrefix("rep_"),
		ReviewerID: reviewerID,
		RevieweeID: revieweeID,
		Rating:     rating,
		EscrowID:   escrowID,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append reputation entry: %w", err)
	}
	return entry, nil
}

// Summarize computes the mean rating over all entries for an account.
func (s *Service) Summarize(ctx context.Context, accountID string) (float64, int, error) {
	entries, err := s.store.ListByReviewee(ctx, accountID, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load reputation entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	sum := 0
	for _, e := range entries {
		sum += e.Rating
	}
	return float64(sum) / float64(len(entries)), len(entries), nil
}

// Entries returns the raw rating log for an account, newest first.
func (s *Service) Entries(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByReviewee(ctx, accountID, limit)
}
