package records

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ineyio/creditgate"
)

// MemoryStore is an in-memory RecordStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]creditgate.RequestRecord
}

var _ creditgate.RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]creditgate.RequestRecord)}
}

func (s *MemoryStore) Save(_ context.Context, rec creditgate.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.ID]; ok && cur.Settled {
		return fmt.Errorf("%w: record %s is settled", creditgate.ErrInvalidTransition, rec.ID)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (creditgate.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return creditgate.RequestRecord{}, fmt.Errorf("%w: %s", creditgate.ErrRecordNotFound, id)
	}
	return clone(rec), nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, id string, st creditgate.Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", creditgate.ErrRecordNotFound, id)
	}
	if rec.Settled {
		return false, nil
	}
	if rec.State != creditgate.StateCompleted {
		return false, fmt.Errorf("%w: settle %s record %s", creditgate.ErrInvalidTransition, rec.State, id)
	}

	rec.Settled = true
	rec.SettledAt = st.SettledAt
	rec.Reward = st.Reward
	rec.Quality = st.Quality
	rec.NeedsReview = st.NeedsReview
	rec.UpdatedAt = st.SettledAt
	s.records[id] = rec
	return true, nil
}

func (s *MemoryStore) Unsettled(_ context.Context, cutoff time.Time, limit int) ([]creditgate.RequestRecord, error) {
	return s.collect(limit, func(r creditgate.RequestRecord) bool {
		return r.State == creditgate.StateCompleted && !r.Settled && r.CompletedAt.Before(cutoff)
	}, func(r creditgate.RequestRecord) time.Time { return r.CompletedAt }), nil
}

func (s *MemoryStore) Stale(_ context.Context, cutoff time.Time, limit int) ([]creditgate.RequestRecord, error) {
	return s.collect(limit, func(r creditgate.RequestRecord) bool {
		return !r.State.Terminal() && r.UpdatedAt.Before(cutoff)
	}, func(r creditgate.RequestRecord) time.Time { return r.UpdatedAt }), nil
}

func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.records {
		if purgeable(r, cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) collect(limit int, match func(creditgate.RequestRecord) bool, key func(creditgate.RequestRecord) time.Time) []creditgate.RequestRecord {
	s.mu.RLock()
	var out []creditgate.RequestRecord
	for _, r := range s.records {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b creditgate.RequestRecord) int {
		if c := key(a).Compare(key(b)); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func purgeable(r creditgate.RequestRecord, cutoff time.Time) bool {
	if !r.CompletedAt.Before(cutoff) {
		return false
	}
	switch r.State {
	case creditgate.StateFailed:
		return true
	case creditgate.StateCompleted:
		return r.Settled
	default:
		return false
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// clone copies the mutable parts of a record so callers never alias stored state.
func clone(r creditgate.RequestRecord) creditgate.RequestRecord {
	r.Attempts = slices.Clone(r.Attempts)
	if r.Quality != nil {
		q := *r.Quality
		if q.UserFeedback != nil {
			fb := *q.UserFeedback
			q.UserFeedback = &fb
		}
		r.Quality = &q
	}
	return r
}
