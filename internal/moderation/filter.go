// Package moderation holds the persisted block/mute/hide state and the
// predicate every feed and sync path consults before admitting an author or
// an entry.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
)

// StorageKey is where the moderation state is persisted
const StorageKey = "wiredove.moderation.v1"

// Verdict codes
const (
	CodeBlockedAuthor = "blocked-author"
	CodeMutedAuthor   = "muted-author"
	CodeHiddenHash    = "hidden-hash"
	CodeMutedWord     = "muted-word"
)

// State is the persisted moderation state. Muted words are lower-cased.
type State struct {
	MutedAuthors   []string `json:"mutedAuthors"`
	HiddenHashes   []string `json:"hiddenHashes"`
	MutedWords     []string `json:"mutedWords"`
	BlockedAuthors []string `json:"blockedAuthors"`
}

func emptyState() State {
	return State{
		MutedAuthors:   []string{},
		HiddenHashes:   []string{},
		MutedWords:     []string{},
		BlockedAuthors: []string{},
	}
}

// snapshot is the in-memory form of State
type snapshot struct {
	mutedAuthors   map[string]struct{}
	hiddenHashes   map[string]struct{}
	mutedWords     []string
	blockedAuthors map[string]struct{}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newSnapshot(s State) *snapshot {
	words := toSet(normalizeWords(s.MutedWords))
	return &snapshot{
		mutedAuthors:   toSet(s.MutedAuthors),
		hiddenHashes:   toSet(s.HiddenHashes),
		mutedWords:     fromSet(words),
		blockedAuthors: toSet(s.BlockedAuthors),
	}
}

func (s *snapshot) state() State {
	return State{
		MutedAuthors:   fromSet(s.mutedAuthors),
		HiddenHashes:   fromSet(s.hiddenHashes),
		MutedWords:     append([]string{}, s.mutedWords...),
		BlockedAuthors: fromSet(s.blockedAuthors),
	}
}

func normalizeWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Subject is what a verdict is computed for. Any field may be empty.
type Subject struct {
	Author string
	Hash   string
	Body   string
}

// Verdict is the result of ShouldHide
type Verdict struct {
	Hidden bool
	Reason string
	Code   string
}

// Opt configures a Filter
type Opt func(*Filter)

// WithClock sets the clock used for cache expiry
func WithClock(c clockwork.Clock) Opt {
	return func(f *Filter) { f.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Opt {
	return func(f *Filter) { f.logger = l.WithComponent("moderation") }
}

// WithCacheTTL sets how long a read stays cached
func WithCacheTTL(d time.Duration) Opt {
	return func(f *Filter) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// FromConfig applies the moderation section
func FromConfig(cfg *config.Moderation) Opt {
	return WithCacheTTL(cfg.CacheTTL())
}

// Filter is the read-through cached moderation state. Mutations write
// through to storage and refresh the cache.
type Filter struct {
	kv     *storage.Storage
	clock  clockwork.Clock
	logger *ops.Logger
	ttl    time.Duration

	mu      sync.Mutex
	cached  *snapshot
	expires time.Time
}

// New creates a filter persisted to kv
func New(kv *storage.Storage, opts ...Opt) *Filter {
	f := &Filter{
		kv:     kv,
		clock:  clockwork.NewRealClock(),
		logger: ops.Default().WithComponent("moderation"),
		ttl:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// load returns the cached snapshot, reading storage when it expired.
// A corrupt value resets to empty. A failed read keeps the previous snapshot.
func (f *Filter) load(ctx context.Context) *snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(ctx)
}

func (f *Filter) loadLocked(ctx context.Context) *snapshot {
	now := f.clock.Now()
	if f.cached != nil && now.Before(f.expires) {
		return f.cached
	}

	snap, err := f.read(ctx)
	if err != nil {
		// leave expires as is so the next call retries the read
		f.logger.Warn("moderation state unavailable", "error", err, "cached", f.cached != nil)
		if f.cached != nil {
			return f.cached
		}
		return newSnapshot(emptyState())
	}

	f.cached = snap
	f.expires = now.Add(f.ttl)
	return f.cached
}

// read fetches the persisted state. Only a value that fails to decode is
// replaced by the empty state; other errors are returned.
func (f *Filter) read(ctx context.Context) (*snapshot, error) {
	s := emptyState()
	start := time.Now()
	_, err := f.kv.GetJSON(ctx, StorageKey, &s)
	f.logger.LogStorageOperation("get", StorageKey, time.Since(start), err)
	switch {
	case err == nil:
		return newSnapshot(s), nil
	case errors.Is(err, storage.ErrCorrupt):
		f.logger.Warn("resetting unreadable moderation state", "error", err)
		return newSnapshot(emptyState()), nil
	default:
		return nil, err
	}
}

// mutate applies fn to a fresh copy of the persisted state, writes it back
// and refreshes the cache. Nothing is written when the read fails.
func (f *Filter) mutate(ctx context.Context, fn func(*snapshot)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read(ctx)
	if err != nil {
		return fmt.Errorf("failed to load moderation state: %w", err)
	}
	next := newSnapshot(current.state())
	fn(next)

	state := next.state()
	start := time.Now()
	err = f.kv.PutJSON(ctx, StorageKey, state)
	f.logger.LogStorageOperation("put", StorageKey, time.Since(start), err)
	if err != nil {
		return err
	}

	f.cached = next
	f.expires = f.clock.Now().Add(f.ttl)
	return nil
}

// State returns a copy of the current state
func (f *Filter) State(ctx context.Context) State {
	return f.load(ctx).state()
}

// ShouldHide evaluates blocked author, muted author, hidden hash and muted
// word in that order. The first match wins.
func (f *Filter) ShouldHide(ctx context.Context, s Subject) Verdict {
	snap := f.load(ctx)

	if s.Author != "" {
		if _, ok := snap.blockedAuthors[s.Author]; ok {
			return Verdict{Hidden: true, Reason: "Blocked author", Code: CodeBlockedAuthor}
		}
		if _, ok := snap.mutedAuthors[s.Author]; ok {
			return Verdict{Hidden: true, Reason: "Muted author", Code: CodeMutedAuthor}
		}
	}
	if s.Hash != "" {
		if _, ok := snap.hiddenHashes[s.Hash]; ok {
			return Verdict{Hidden: true, Reason: "Hidden message", Code: CodeHiddenHash}
		}
	}
	if s.Body != "" && len(snap.mutedWords) > 0 {
		body := strings.ToLower(s.Body)
		for _, w := range snap.mutedWords {
			if strings.Contains(body, w) {
				return Verdict{Hidden: true, Reason: "Muted word: " + w, Code: CodeMutedWord}
			}
		}
	}
	return Verdict{}
}

// IsBlockedAuthor reports whether pubkey is blocked
func (f *Filter) IsBlockedAuthor(ctx context.Context, pubkey string) bool {
	if pubkey == "" {
		return false
	}
	_, ok := f.load(ctx).blockedAuthors[pubkey]
	return ok
}

// BlockAuthor blocks a public key
func (f *Filter) BlockAuthor(ctx context.Context, pubkey string) error {
	if !logstore.IsPubkey(pubkey) {
		return nil
	}
	return f.mutate(ctx, func(s *snapshot) { s.blockedAuthors[pubkey] = struct{}{} })
}

// UnblockAuthor removes a block
func (f *Filter) UnblockAuthor(ctx context.Context, pubkey string) error {
	return f.mutate(ctx, func(s *snapshot) { delete(s.blockedAuthors, pubkey) })
}

// MuteAuthor mutes a public key
func (f *Filter) MuteAuthor(ctx context.Context, pubkey string) error {
	if !logstore.IsPubkey(pubkey) {
		return nil
	}
	return f.mutate(ctx, func(s *snapshot) { s.mutedAuthors[pubkey] = struct{}{} })
}

// UnmuteAuthor removes a mute
func (f *Filter) UnmuteAuthor(ctx context.Context, pubkey string) error {
	return f.mutate(ctx, func(s *snapshot) { delete(s.mutedAuthors, pubkey) })
}

// HideHash hides a single message
func (f *Filter) HideHash(ctx context.Context, hash string) error {
	if !logstore.IsHash(hash) {
		return nil
	}
	return f.mutate(ctx, func(s *snapshot) { s.hiddenHashes[hash] = struct{}{} })
}

// UnhideHash reveals a hidden message
func (f *Filter) UnhideHash(ctx context.Context, hash string) error {
	return f.mutate(ctx, func(s *snapshot) { delete(s.hiddenHashes, hash) })
}

// MuteWord adds a muted keyword, stored lower-cased
func (f *Filter) MuteWord(ctx context.Context, word string) error {
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" {
		return nil
	}
	return f.mutate(ctx, func(s *snapshot) {
		for _, existing := range s.mutedWords {
			if existing == w {
				return
			}
		}
		s.mutedWords = append(s.mutedWords, w)
		sort.Strings(s.mutedWords)
	})
}

// UnmuteWord removes a muted keyword
func (f *Filter) UnmuteWord(ctx context.Context, word string) error {
	w := strings.ToLower(strings.TrimSpace(word))
	return f.mutate(ctx, func(s *snapshot) {
		kept := s.mutedWords[:0]
		for _, existing := range s.mutedWords {
			if existing != w {
				kept = append(kept, existing)
			}
		}
		s.mutedWords = kept
	})
}
