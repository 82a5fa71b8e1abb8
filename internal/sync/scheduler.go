// Package sync decides which peers' logs to request and when, based on how
// recently each peer was seen or looked at.
package sync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
	"github.com/wiredove/wiredove/internal/ops"
)

// Tier is a peer activity class
type Tier string

const (
	Hot  Tier = "hot"
	Warm Tier = "warm"
	Cold Tier = "cold"
)

// Tiers lists the tiers in scheduling order
var Tiers = []Tier{Hot, Warm, Cold}

// Activity is what the scheduler knows about one peer
type Activity struct {
	Pubkey        string
	LastSeen      time.Time
	LastInterest  time.Time
	LastRequested time.Time

	seeded bool
}

// FetchFunc requests a peer's log from the network
type FetchFunc func(ctx context.Context, pubkey string)

// Opt configures a Scheduler
type Opt func(*Scheduler)

// WithClock sets the clock
func WithClock(c clockwork.Clock) Opt {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Opt {
	return func(s *Scheduler) { s.logger = l.WithComponent("sync") }
}

// WithSelf excludes the local identity from scheduling
func WithSelf(pubkey string) Opt {
	return func(s *Scheduler) { s.self = pubkey }
}

// Scheduler classifies known peers into tiers and requests a bounded batch
// from each tier per tick.
type Scheduler struct {
	cfg    config.Sync
	store  logstore.Store
	filter *moderation.Filter
	fetch  FetchFunc
	clock  clockwork.Clock
	logger *ops.Logger
	self   string

	mu           sync.Mutex
	peers        map[string]*Activity
	tiers        map[Tier][]string
	cursors      map[Tier]int
	needsRebuild bool
	lastRefresh  time.Time

	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. fetch is called for every peer selected on a tick.
func New(cfg config.Sync, store logstore.Store, filter *moderation.Filter, fetch FetchFunc, opts ...Opt) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		filter:  filter,
		fetch:   fetch,
		clock:   clockwork.NewRealClock(),
		logger:  ops.Default().WithComponent("sync"),
		peers:   make(map[string]*Activity),
		tiers:   make(map[Tier][]string),
		cursors: make(map[Tier]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop until Stop or ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("peer sync scheduler started",
		"tick", s.cfg.TickInterval().String(),
		"refresh", s.cfg.RefreshInterval().String())
}

// Stop halts the tick loop and waits for an in-flight tick
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(s.ctx)
		}
	}
}

func (s *Scheduler) admissible(ctx context.Context, pubkey string) bool {
	if !logstore.IsPubkey(pubkey) || pubkey == s.self {
		return false
	}
	return s.filter == nil || !s.filter.IsBlockedAuthor(ctx, pubkey)
}

// NoteSeen records that content from pubkey was observed at ts. A zero ts
// means now.
func (s *Scheduler) NoteSeen(ctx context.Context, pubkey string, ts time.Time) {
	if !s.admissible(ctx, pubkey) {
		return
	}
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.peerLocked(pubkey)
	if ts.After(a.LastSeen) {
		a.LastSeen = ts
		s.needsRebuild = true
	}
}

// NoteInterest records that the user looked at pubkey's content now
func (s *Scheduler) NoteInterest(ctx context.Context, pubkey string) {
	if !s.admissible(ctx, pubkey) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.peerLocked(pubkey)
	a.LastInterest = s.clock.Now()
	s.needsRebuild = true
}

func (s *Scheduler) peerLocked(pubkey string) *Activity {
	a, ok := s.peers[pubkey]
	if !ok {
		a = &Activity{Pubkey: pubkey}
		s.peers[pubkey] = a
		s.needsRebuild = true
	}
	return a
}

// Classify returns the tier of a at now. A threshold is inclusive.
func (s *Scheduler) Classify(a Activity, now time.Time) Tier {
	within := func(t time.Time, limit time.Duration) bool {
		return !t.IsZero() && now.Sub(t) <= limit
	}

	hot, warm := s.cfg.Tiers.Hot, s.cfg.Tiers.Warm
	switch {
	case within(a.LastInterest, hot.Interest()) || within(a.LastSeen, hot.Seen()):
		return Hot
	case within(a.LastInterest, warm.Interest()) || within(a.LastSeen, warm.Seen()):
		return Warm
	default:
		return Cold
	}
}

func (s *Scheduler) tierConfig(t Tier) config.Tier {
	switch t {
	case Hot:
		return s.cfg.Tiers.Hot
	case Warm:
		return s.cfg.Tiers.Warm
	default:
		return s.cfg.Tiers.Cold
	}
}

// Tick runs one scheduling pass and returns the number of peers requested.
// A tick that overlaps a running one does nothing.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		ticks.WithLabelValues("skipped").Inc()
		return 0
	}
	defer s.running.Store(false)

	s.refresh(ctx)

	now := s.clock.Now()
	s.mu.Lock()
	if s.needsRebuild {
		s.rebuildLocked(now)
	}
	var selected []string
	for _, t := range Tiers {
		picked := s.selectLocked(t, now)
		for _, pk := range picked {
			s.peers[pk].LastRequested = now
			requests.WithLabelValues(string(t)).Inc()
			s.logger.LogSyncRequest(pk, string(t))
		}
		selected = append(selected, picked...)
	}
	s.mu.Unlock()

	for _, pk := range selected {
		if ctx.Err() != nil {
			break
		}
		if s.fetch != nil {
			s.fetch(ctx, pk)
		}
	}
	ticks.WithLabelValues("ran").Inc()
	return len(selected)
}

// refresh reloads the peer list from the store once it is older than the
// refresh interval. Blocked peers are dropped and a bounded number of new
// peers get their last-seen time from their newest record.
func (s *Scheduler) refresh(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	stale := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.cfg.RefreshInterval()
	s.mu.Unlock()
	if !stale {
		return
	}

	entries, err := s.store.Query(ctx, "")
	if err != nil {
		s.logger.Warn("peer list refresh failed", "error", err)
		return
	}

	authors := make(map[string]struct{})
	for _, e := range entries {
		if s.admissible(ctx, e.Author) {
			authors[e.Author] = struct{}{}
		}
	}

	s.mu.Lock()
	known := make([]string, 0, len(s.peers))
	for pk := range s.peers {
		known = append(known, pk)
	}
	s.mu.Unlock()

	var dropped []string
	for _, pk := range known {
		if !s.admissible(ctx, pk) {
			dropped = append(dropped, pk)
		}
	}

	s.mu.Lock()
	s.lastRefresh = now
	for _, pk := range dropped {
		delete(s.peers, pk)
		s.needsRebuild = true
	}
	var unseeded []string
	for pk := range authors {
		a := s.peerLocked(pk)
		if !a.seeded {
			unseeded = append(unseeded, pk)
		}
	}
	s.mu.Unlock()

	sort.Strings(unseeded)
	if limit := s.cfg.BootstrapPerRefresh; limit > 0 && len(unseeded) > limit {
		unseeded = unseeded[:limit]
	}
	for _, pk := range unseeded {
		if ctx.Err() != nil {
			return
		}
		latest := s.latestRecord(ctx, pk)
		s.mu.Lock()
		if a, ok := s.peers[pk]; ok {
			a.seeded = true
			if latest.After(a.LastSeen) {
				a.LastSeen = latest
				s.needsRebuild = true
			}
		}
		s.mu.Unlock()
	}
	s.logger.Debug("peer list refreshed", "peers", len(authors), "bootstrapped", len(unseeded))
}

func (s *Scheduler) latestRecord(ctx context.Context, pubkey string) time.Time {
	entries, err := s.store.Query(ctx, pubkey)
	if err != nil {
		return time.Time{}
	}
	var newest int64
	for _, e := range entries {
		if e.Author != pubkey {
			continue
		}
		if ts := logstore.ResolveTs(e); ts > newest {
			newest = ts
		}
	}
	if newest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(newest)
}

func (s *Scheduler) rebuildLocked(now time.Time) {
	tiers := make(map[Tier][]string, len(Tiers))
	for pk, a := range s.peers {
		t := s.Classify(*a, now)
		tiers[t] = append(tiers[t], pk)
	}
	for _, t := range Tiers {
		sort.Strings(tiers[t])
		tierSize.WithLabelValues(string(t)).Set(float64(len(tiers[t])))
		if n := len(tiers[t]); n > 0 {
			s.cursors[t] %= n
		} else {
			s.cursors[t] = 0
		}
	}
	s.tiers = tiers
	s.needsRebuild = false
}

// selectLocked walks tier t round-robin from its cursor and picks up to the
// tier batch of peers not requested within the tier minimum interval.
func (s *Scheduler) selectLocked(t Tier, now time.Time) []string {
	members := s.tiers[t]
	tc := s.tierConfig(t)
	if len(members) == 0 || tc.Batch <= 0 {
		return nil
	}

	var picked []string
	start := s.cursors[t]
	next := start
	for i := 0; i < len(members) && len(picked) < tc.Batch; i++ {
		idx := (start + i) % len(members)
		next = (idx + 1) % len(members)
		a, ok := s.peers[members[idx]]
		if !ok {
			continue
		}
		if a.LastRequested.IsZero() || now.Sub(a.LastRequested) >= tc.MinInterval() {
			picked = append(picked, a.Pubkey)
		}
	}
	s.cursors[t] = next
	return picked
}

// TierOf returns the tier pubkey was placed in at the last rebuild
func (s *Scheduler) TierOf(pubkey string) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range Tiers {
		for _, pk := range s.tiers[t] {
			if pk == pubkey {
				return t, true
			}
		}
	}
	return "", false
}

// Peer returns a copy of the activity recorded for pubkey
func (s *Scheduler) Peer(pubkey string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.peers[pubkey]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// TierSizes returns the number of peers per tier at the last rebuild
func (s *Scheduler) TierSizes() map[Tier]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		out[t] = len(s.tiers[t])
	}
	return out
}
