package booking

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edumatch/edumatch/internal/idgen"
)

var (
	ErrWindowNotFound = errors.New("availability window not found")
	ErrInvalidWindow  = errors.New("window end must be after start")
)

// Window is a published span of time a tutor accepts bookings in.
type Window struct {
	ID        string    `json:"id"`
	TutorID   string    `json:"tutorId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	CreatedAt time.Time `json:"createdAt"`
}

// AvailabilityStore persists published tutor availability.
type AvailabilityStore interface {
	Publish(ctx context.Context, window *Window) error
	Remove(ctx context.Context, id, tutorID string) error
	ListByTutor(ctx context.Context, tutorID string) ([]*Window, error)
	// Covers reports whether a single published window contains
	// [start, end) for the tutor.
	Covers(ctx context.Context, tutorID string, start, end time.Time) (bool, error)
}

// NewWindow builds a validated window for a tutor.
func NewWindow(tutorID string, start, end time.Time) (*Window, error) {
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	return &Window{
		ID:        idgen.WithPrefix("avl_"),
		TutorID:   tutorID,
		Start:     start,
		End:       end,
		CreatedAt: time.Now(),
	}, nil
}

// MemoryAvailabilityStore keeps windows in memory.
type MemoryAvailabilityStore struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

// NewMemoryAvailabilityStore creates an empty in-memory availability store.
func NewMemoryAvailabilityStore() *MemoryAvailabilityStore {
	return &MemoryAvailabilityStore{windows: make(map[string]*Window)}
}

func (s *MemoryAvailabilityStore) Publish(ctx context.Context, window *Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *window
	s.windows[window.ID] = &cp
	return nil
}

func (s *MemoryAvailabilityStore) Remove(ctx context.Context, id, tutorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok || !strings.EqualFold(w.TutorID, tutorID) {
		return ErrWindowNotFound
	}
	delete(s.windows, id)
	return nil
}

func (s *MemoryAvailabilityStore) ListByTutor(ctx context.Context, tutorID string) ([]*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Window
	for _, w := range s.windows {
		if strings.EqualFold(w.TutorID, tutorID) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryAvailabilityStore) Covers(ctx context.Context, tutorID string, start, end time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.windows {
		if !strings.EqualFold(w.TutorID, tutorID) {
			continue
		}
		if !w.Start.After(start) && !w.End.Before(end) {
			return true, nil
		}
	}
	return false, nil
}
