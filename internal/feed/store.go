// Package feed assembles per-view feeds: it queries the log, backfills
// ancestor chains, fans out multi-author queries and merges everything into
// a deduplicated, ordered store.
package feed

import (
	"sort"
	"sync"

	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/logstore"
)

// Store is the ordered, deduplicated entry set of one view
type Store struct {
	mu      sync.RWMutex
	entries map[string]feedrows.Entry
	since   int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{entries: make(map[string]feedrows.Entry)}
}

// Upsert inserts or replaces e keyed by hash. A newer or equal timestamp
// replaces the entry; an older one only contributes a row the stored entry
// lacks. A previously attached row is never dropped. It reports whether the
// store changed.
func (s *Store) Upsert(e feedrows.Entry) bool {
	if e.Hash == "" {
		return false
	}
	e.Ts = logstore.ResolveTs(e.Entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(e)
}

func (s *Store) upsertLocked(e feedrows.Entry) bool {
	if e.Ts > s.since {
		s.since = e.Ts
	}

	prev, ok := s.entries[e.Hash]
	if !ok {
		s.entries[e.Hash] = e
		return true
	}

	if e.Ts < prev.Ts {
		if prev.Row == nil && e.Row != nil {
			prev.Row = e.Row
			s.entries[e.Hash] = prev
			return true
		}
		return false
	}

	if e.Row == nil {
		e.Row = prev.Row
	}
	if e.Text == "" {
		e.Text = prev.Text
	}
	if e.Author == "" {
		e.Author = prev.Author
	}
	if sameEntry(prev, e) {
		return false
	}
	s.entries[e.Hash] = e
	return true
}

func sameEntry(a, b feedrows.Entry) bool {
	if a.Entry != b.Entry {
		return false
	}
	switch {
	case a.Row == nil && b.Row == nil:
		return true
	case a.Row == nil || b.Row == nil:
		return false
	default:
		return *a.Row == *b.Row
	}
}

// Merge upserts a batch and returns how many entries changed
func (s *Store) Merge(entries []feedrows.Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, e := range entries {
		if e.Hash == "" {
			continue
		}
		e.Ts = logstore.ResolveTs(e.Entry)
		if s.upsertLocked(e) {
			changed++
		}
	}
	return changed
}

// AttachRow sets the row of an existing entry. Unknown hashes are ignored.
func (s *Store) AttachRow(row feedrows.Row) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[row.Hash]
	if !ok {
		return false
	}
	r := row
	e.Row = &r
	s.entries[row.Hash] = e
	return true
}

// Get returns the entry for hash
func (s *Store) Get(hash string) (feedrows.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	return e, ok
}

// Has reports whether hash is present
func (s *Store) Has(hash string) bool {
	_, ok := s.Get(hash)
	return ok
}

// Entries returns all entries newest first
func (s *Store) Entries() []feedrows.Entry {
	s.mu.RLock()
	out := make([]feedrows.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts > out[j].Ts
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Since returns the highest timestamp ever inserted
func (s *Store) Since() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
