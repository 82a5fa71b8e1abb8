package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wiredove/wiredove/internal/aggregates"
	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/feed"
	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/lanes"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
	"github.com/wiredove/wiredove/internal/netqueue"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
	"github.com/wiredove/wiredove/internal/sync"
)

// app is the wired engine shared by the run and feed commands
type app struct {
	cfg    *config.Config
	logger *ops.Logger

	kv        *storage.Storage
	store     *logstore.Local
	planner   *lanes.Planner
	queue     *netqueue.Queue
	rows      *feedrows.Cache
	filter    *moderation.Filter
	replies   *aggregates.ReplyIndex
	scheduler *sync.Scheduler
	orch      *feed.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	kv, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	kv.SetLogger(logger)

	rows, err := feedrows.NewCache(kv, feedrows.FromConfig(&cfg.FeedRows), feedrows.WithLogger(logger))
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("failed to initialize row cache: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		kv:      kv,
		store:   logstore.NewLocal(kv),
		planner: lanes.NewPlanner(lanes.NewConfigSource(&cfg.Concurrency)),
		rows:    rows,
		filter:  moderation.New(kv, moderation.FromConfig(&cfg.Moderation), moderation.WithLogger(logger)),
		queue: netqueue.New(
			netqueue.WithLogger(logger),
			netqueue.WithTickInterval(cfg.Queue.TickInterval()),
			netqueue.WithMaxItemsPerTick(cfg.Queue.MaxItemsPerTick)),
	}
	a.replies = aggregates.NewReplyIndex(a.store, a.planner,
		aggregates.WithLogger(logger),
		aggregates.WithLanes(cfg.Feed.Lanes))

	a.scheduler = sync.New(cfg.Sync, a.store, a.filter,
		func(_ context.Context, pubkey string) {
			a.queue.Enqueue(pubkey, netqueue.Both)
		},
		sync.WithLogger(logger),
		sync.WithSelf(cfg.Identity.Pubkey))

	a.orch = feed.NewOrchestrator(ctx, cfg.Feed, feed.Deps{
		Store:     a.store,
		Rows:      rows,
		Filter:    a.filter,
		Queue:     a.queue,
		Planner:   a.planner,
		Remote:    feedrows.NewRemote(&cfg.FeedRows.Remote, feedrows.WithRemoteLogger(logger)),
		Cursors:   feedrows.NewCursorManager(kv),
		Replies:   a.replies,
		Interest:  a.scheduler,
		Directory: feed.NewHTTPDirectory(&cfg.Feed, kv, logger),
		Logger:    logger,
	})
	return a, nil
}

// diagnostics exposes the engine to the diagnostics collector
func (a *app) diagnostics() *ops.DiagnosticsCollector {
	return ops.NewDiagnosticsCollector(version, commit, ops.Sources{
		StorageDriver: a.kv.Driver,
		LogEntries:    a.store.Len,
		QueueLength:   a.queue.Len,
		CachedRows:    a.rows.Len,
		RowFlushState: func() string { return a.rows.State().String() },
		ReplyParents:  a.replies.Size,
		RepliesBuilt:  a.replies.Built,
		PeerTiers: func() map[string]int {
			out := make(map[string]int)
			for t, n := range a.scheduler.TierSizes() {
				out[string(t)] = n
			}
			return out
		},
		ActiveView: func() string {
			v := a.orch.Current()
			if v == nil {
				return ""
			}
			return fmt.Sprintf("%s %s (%d entries)", v.Kind, v.Key, v.Len())
		},
	})
}

// close stops background work and flushes the row cache before storage goes
func (a *app) close() error {
	a.orch.Close()
	a.scheduler.Stop()
	a.queue.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.rows.Close(ctx), a.kv.Close())
}
