package feedrows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
)

// StorageKey is where the row snapshot is persisted
const StorageKey = "wiredove.feedRowCache.v1"

// DefaultCapacity bounds the cache and the persisted snapshot
const DefaultCapacity = 3000

// Entry is a log entry with an optional cached row attached
type Entry struct {
	logstore.Entry
	Row *Row `json:"row,omitempty"`
}

// Opt configures a Cache
type Opt func(*Cache)

// WithClock sets the clock used for debouncing and row timestamps
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Opt {
	return func(c *Cache) { c.logger = l.WithComponent("feedrows") }
}

// WithCapacity sets the maximum number of rows held
func WithCapacity(n int) Opt {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithFlushDelay sets the persistence debounce delay
func WithFlushDelay(d time.Duration) Opt {
	return func(c *Cache) {
		if d > 0 {
			c.delay = d
		}
	}
}

// FromConfig applies the feed_rows section
func FromConfig(cfg *config.FeedRows) Opt {
	return func(c *Cache) {
		WithCapacity(cfg.Capacity)(c)
		WithFlushDelay(cfg.FlushDelay())(c)
	}
}

// Cache is the process-wide hash to row cache. Recency is insertion or
// update order; reads do not touch it.
type Cache struct {
	kv       *storage.Storage
	clock    clockwork.Clock
	logger   *ops.Logger
	capacity int
	delay    time.Duration

	mu     sync.Mutex
	loaded bool
	rows   *lru.Cache[string, Row]

	flusher *flusher
}

// NewCache creates a cache persisted to kv. Nothing is read until first use.
func NewCache(kv *storage.Storage, opts ...Opt) (*Cache, error) {
	c := &Cache{
		kv:       kv,
		clock:    clockwork.NewRealClock(),
		logger:   ops.Default().WithComponent("feedrows"),
		capacity: DefaultCapacity,
		delay:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	rows, err := lru.New[string, Row](c.capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create row cache: %w", err)
	}
	c.rows = rows
	c.flusher = newFlusher(c.clock, c.delay, c.logger, c.persist)
	return c, nil
}

// ensureLoadedLocked reads the persisted snapshot until a read succeeds.
// Missing or corrupt data counts as loaded and empty. A failed read leaves
// the cache unloaded so the next access retries, and persist refuses to
// write until then.
func (c *Cache) ensureLoadedLocked(ctx context.Context) bool {
	if c.loaded {
		return true
	}

	var snapshot []Row
	ok, err := c.kv.GetJSON(ctx, StorageKey, &snapshot)
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		c.logger.Warn("discarding unreadable feed row snapshot", "error", err)
		c.loaded = true
		return true
	case err != nil:
		c.logger.Warn("feed row snapshot unavailable", "error", err)
		return false
	}
	c.loaded = true
	if !ok {
		return true
	}
	if len(snapshot) > c.capacity {
		snapshot = snapshot[len(snapshot)-c.capacity:]
	}
	c.mergeSnapshotLocked(snapshot)
	c.logger.Debug("feed rows loaded", "count", c.rows.Len())
	return true
}

// mergeSnapshotLocked puts persisted rows behind any rows touched while the
// snapshot was unreadable. Those rows keep their recency and are merged over
// their persisted version.
func (c *Cache) mergeSnapshotLocked(snapshot []Row) {
	touched := make([]Row, 0, c.rows.Len())
	for _, k := range c.rows.Keys() {
		if row, ok := c.rows.Peek(k); ok {
			touched = append(touched, row)
		}
	}
	c.rows.Purge()

	persisted := make(map[string]Row, len(snapshot))
	for _, row := range snapshot {
		if row.Hash == "" {
			continue
		}
		persisted[row.Hash] = row
		c.rows.Add(row.Hash, row)
	}
	for _, row := range touched {
		if prev, ok := persisted[row.Hash]; ok {
			updated := row.UpdatedAt
			row = prev.merge(row)
			row.UpdatedAt = updated
			c.rows.Remove(row.Hash)
		}
		c.rows.Add(row.Hash, row)
	}
}

// Get returns the cached row for hash
func (c *Cache) Get(ctx context.Context, hash string) (Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)

	row, ok := c.rows.Peek(hash)
	c.logger.LogCacheOperation("get", hash, ok)
	return row, ok
}

// Upsert merges row into the cached row for the same hash and moves it to the
// most recently used position.
func (c *Cache) Upsert(ctx context.Context, row Row) {
	if row.Hash == "" {
		return
	}
	c.mu.Lock()
	c.ensureLoadedLocked(ctx)
	c.upsertLocked(row)
	c.mu.Unlock()

	c.flusher.markDirty()
}

// UpsertMany merges a batch of rows with a single scheduled flush
func (c *Cache) UpsertMany(ctx context.Context, rows []Row) {
	if len(rows) == 0 {
		return
	}
	c.mu.Lock()
	c.ensureLoadedLocked(ctx)
	for _, row := range rows {
		if row.Hash != "" {
			c.upsertLocked(row)
		}
	}
	c.mu.Unlock()

	c.flusher.markDirty()
}

func (c *Cache) upsertLocked(row Row) {
	merged := row
	if prev, ok := c.rows.Peek(row.Hash); ok {
		merged = prev.merge(row)
		c.rows.Remove(row.Hash)
	}
	merged.UpdatedAt = c.clock.Now().UnixMilli()
	c.rows.Add(row.Hash, merged)
}

// Attach returns entries with a row attached wherever the cache has one.
// Entries without a cached row are returned unchanged.
func (c *Cache) Attach(ctx context.Context, entries []logstore.Entry) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Entry: e}
		if row, ok := c.rows.Peek(e.Hash); ok {
			r := row
			out[i].Row = &r
		}
	}
	return out
}

// Len returns the number of cached rows
func (c *Cache) Len(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.rows.Len()
}

// Hashes returns cached hashes from least to most recently touched
func (c *Cache) Hashes(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.rows.Keys()
}

// State reports the persistence state
func (c *Cache) State() FlushState {
	return c.flusher.current()
}

// Flush persists pending changes now
func (c *Cache) Flush(ctx context.Context) error {
	return c.flusher.flush(ctx)
}

// Close flushes pending changes and stops the debounce timer
func (c *Cache) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.flusher.stop()
	return err
}

func (c *Cache) persist(ctx context.Context) error {
	c.mu.Lock()
	if !c.ensureLoadedLocked(ctx) {
		c.mu.Unlock()
		return errors.New("failed to persist feed rows: persisted snapshot not loaded yet")
	}
	keys := c.rows.Keys()
	snapshot := make([]Row, 0, len(keys))
	for _, k := range keys {
		if row, ok := c.rows.Peek(k); ok {
			snapshot = append(snapshot, row)
		}
	}
	c.mu.Unlock()

	start := time.Now()
	err := c.kv.PutJSON(ctx, StorageKey, snapshot)
	c.logger.LogStorageOperation("put", StorageKey, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to persist feed rows: %w", err)
	}
	return nil
}
