// Package aggregates derives cross-message structure from the log, such as
// the reverse index from a message to its replies.
package aggregates

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/lanes"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/ops"
)

// Reply is one edge of the reply index
type Reply struct {
	Hash   string `json:"hash"`
	Ts     int64  `json:"ts"`
	Opened string `json:"opened"`
}

// Opt configures a ReplyIndex
type Opt func(*ReplyIndex)

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Opt {
	return func(ri *ReplyIndex) { ri.logger = l.WithComponent("replies") }
}

// WithLanes sets the bounds of the build scan fan-out
func WithLanes(l config.Lanes) Opt {
	return func(ri *ReplyIndex) { ri.lanes = l }
}

// ReplyIndex maps a parent hash to the hashes replying to it. It is built
// once from the full log and then maintained incrementally. Edges are never
// removed.
type ReplyIndex struct {
	store   logstore.Store
	planner *lanes.Planner
	lanes   config.Lanes
	logger  *ops.Logger

	edges *xsync.MapOf[string, []Reply]
	built atomic.Bool
	group singleflight.Group
}

// NewReplyIndex creates an empty, unbuilt index over store
func NewReplyIndex(store logstore.Store, planner *lanes.Planner, opts ...Opt) *ReplyIndex {
	ri := &ReplyIndex{
		store:   store,
		planner: planner,
		lanes:   config.Lanes{Base: 4, Min: 1, Max: 8},
		logger:  ops.Default().WithComponent("replies"),
		edges:   xsync.NewMapOf[string, []Reply](),
	}
	for _, opt := range opts {
		opt(ri)
	}
	return ri
}

// EnsureBuilt builds the index once. Concurrent callers share the same
// build. When log is nil the full log is queried from the store.
func (ri *ReplyIndex) EnsureBuilt(ctx context.Context, log []logstore.Entry) error {
	if ri.built.Load() {
		return nil
	}
	_, err, _ := ri.group.Do("build", func() (any, error) {
		if ri.built.Load() {
			return nil, nil
		}
		if err := ri.build(ctx, log); err != nil {
			return nil, err
		}
		ri.built.Store(true)
		return nil, nil
	})
	return err
}

// Built reports whether the initial scan has completed
func (ri *ReplyIndex) Built() bool {
	return ri.built.Load()
}

func (ri *ReplyIndex) build(ctx context.Context, log []logstore.Entry) error {
	if log == nil {
		entries, err := ri.store.Query(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to query log: %w", err)
		}
		log = entries
	}

	limit := ri.planner.PlanLanes(ri.lanes, lanes.General)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var indexed atomic.Int64
	for _, e := range log {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			info := ParseThreadInfo(ri.parse(gctx, e))
			if info.IsReply() && ri.Add(info.ReplyTo, e.Hash, logstore.ResolveTs(e), e.Opened) {
				indexed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reply index scan interrupted: %w", err)
	}

	ri.logger.Info("reply index built",
		"messages", len(log),
		"replies", indexed.Load(),
		"lanes", limit)
	return nil
}

// parse returns the parsed content of e, reading the content blob when the
// query did not carry it. Unavailable or unparsable content yields nil.
func (ri *ReplyIndex) parse(ctx context.Context, e logstore.Entry) map[string]any {
	text := e.Text
	if text == "" {
		contentHash := logstore.ContentHash(e.Opened)
		if contentHash == "" {
			return nil
		}
		blob, err := ri.store.Get(ctx, contentHash)
		if err != nil || blob == nil {
			return nil
		}
		text = string(blob)
	}
	return ri.store.ParseYAML(text)
}

// Add records child as a reply to parent. It reports whether a new edge was
// added; duplicates are ignored.
func (ri *ReplyIndex) Add(parent, child string, ts int64, opened string) bool {
	if parent == "" || child == "" || parent == child {
		return false
	}
	added := false
	ri.edges.Compute(parent, func(old []Reply, loaded bool) ([]Reply, bool) {
		for _, r := range old {
			if r.Hash == child {
				return old, false
			}
		}
		added = true
		next := make([]Reply, len(old), len(old)+1)
		copy(next, old)
		return append(next, Reply{Hash: child, Ts: ts, Opened: opened}), false
	})
	return added
}

// GetReplies returns the replies to parent ordered by timestamp
func (ri *ReplyIndex) GetReplies(parent string) []Reply {
	edges, ok := ri.edges.Load(parent)
	if !ok {
		return []Reply{}
	}
	out := make([]Reply, len(edges))
	copy(out, edges)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts < out[j].Ts
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// GetReplyCount returns the number of replies to parent
func (ri *ReplyIndex) GetReplyCount(parent string) int {
	edges, _ := ri.edges.Load(parent)
	return len(edges)
}

// Size returns the number of parents with at least one reply
func (ri *ReplyIndex) Size() int {
	return ri.edges.Size()
}

// Reset drops the index so the next EnsureBuilt rescans the log
func (ri *ReplyIndex) Reset() {
	ri.edges.Clear()
	ri.built.Store(false)
}
