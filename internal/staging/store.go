package staging

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNoStaging is returned when a region has never been staged.
var ErrNoStaging = errors.New("staging: no active staging")

// Store persists stagings. At most one staging per region is active;
// activating a new one deactivates the previous one and keeps it as history.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Activate stores st as the active staging of its region and returns the
	// staging it superseded, if there was one.
	Activate(ctx context.Context, st Staging) (*Staging, error)

	// Active returns the active staging of k or [ErrNoStaging].
	Active(ctx context.Context, k RegionKey) (Staging, error)

	// History returns up to limit stagings of k, newest first. A limit of
	// zero or less returns all of them.
	History(ctx context.Context, k RegionKey, limit int) ([]Staging, error)
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.RWMutex
	regions map[RegionKey]*regionHistory
}

type regionHistory struct {
	mu       sync.Mutex
	stagings []Staging // oldest first
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{regions: make(map[RegionKey]*regionHistory)}
}

func (s *MemStore) region(k RegionKey, create bool) *regionHistory {
	s.mu.RLock()
	h, ok := s.regions[k]
	s.mu.RUnlock()
	if ok || !create {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.regions[k]; !ok {
		h = &regionHistory{}
		s.regions[k] = h
	}
	return h
}

// Activate implements [Store].
func (s *MemStore) Activate(_ context.Context, st Staging) (*Staging, error) {
	h := s.region(st.Key(), true)
	h.mu.Lock()
	defer h.mu.Unlock()

	var prev *Staging
	for i := range h.stagings {
		if h.stagings[i].IsActive {
			h.stagings[i].IsActive = false
			p := h.stagings[i]
			prev = &p
		}
	}
	st.IsActive = true
	st.NPCs = slices.Clone(st.NPCs)
	h.stagings = append(h.stagings, st)
	return prev, nil
}

// Active implements [Store].
func (s *MemStore) Active(_ context.Context, k RegionKey) (Staging, error) {
	h := s.region(k, false)
	if h == nil {
		return Staging{}, ErrNoStaging
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.stagings) - 1; i >= 0; i-- {
		if h.stagings[i].IsActive {
			return h.stagings[i], nil
		}
	}
	return Staging{}, ErrNoStaging
}

// History implements [Store].
func (s *MemStore) History(_ context.Context, k RegionKey, limit int) ([]Staging, error) {
	h := s.region(k, false)
	if h == nil {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.stagings)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Staging, 0, n)
	for i := len(h.stagings) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.stagings[i])
	}
	return out, nil
}
