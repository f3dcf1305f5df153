package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured
// and by tests. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) InsertFill(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) UpdateReturnPct(ctx context.Context, id int64, pct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].ReturnPct = pct
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) FillsSince(ctx context.Context, account, symbol string, since time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Account != account {
			continue
		}
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		if e.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].ExecutedAt.Before(out[k].ExecutedAt)
	})
	return out, nil
}
