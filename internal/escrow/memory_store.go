package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if overlapsOpen(r, record.PayeeID, record.ScheduledStart, record.ScheduledEnd) {
			return ErrOverlap
		}
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, record *Record, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[record.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStateConflict
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if strings.EqualFold(r.PayerID, accountID) || strings.EqualFold(r.PayeeID, accountID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListGraceExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.Status == StatusPending && r.GraceDeadline.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActivePastEnd(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.Status == StatusActive && r.ScheduledEnd.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HasOverlap(ctx context.Context, payeeID string, start, end time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if overlapsOpen(r, payeeID, start, end) {
			return true, nil
		}
	}
	return false, nil
}

// overlapsOpen reports whether r is an open escrow for payeeID whose
// scheduled window intersects [start, end).
func overlapsOpen(r *Record, payeeID string, start, end time.Time) bool {
	if !strings.EqualFold(r.PayeeID, payeeID) {
		return false
	}
	if r.Status != StatusPending && r.Status != StatusActive {
		return false
	}
	return r.ScheduledStart.Before(end) && start.Before(r.ScheduledEnd)
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
