package feed

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wiredove/wiredove/internal/aggregates"
	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/lanes"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
	"github.com/wiredove/wiredove/internal/netqueue"
	"github.com/wiredove/wiredove/internal/ops"
)

// Queue accepts hashes and keys to request from the network
type Queue interface {
	Enqueue(payload string, targets netqueue.Targets)
}

// InterestRecorder is told which peers the user is looking at
type InterestRecorder interface {
	NoteInterest(ctx context.Context, pubkey string)
}

// Deps are the collaborators of an Orchestrator. Remote, Cursors, Replies,
// Interest and Directory are optional.
type Deps struct {
	Store     logstore.Store
	Rows      *feedrows.Cache
	Filter    *moderation.Filter
	Queue     Queue
	Planner   *lanes.Planner
	Remote    *feedrows.Remote
	Cursors   *feedrows.CursorManager
	Replies   *aggregates.ReplyIndex
	Interest  InterestRecorder
	Directory Directory
	Logger    *ops.Logger
}

// Orchestrator builds feed views. Starting a view supersedes the previous one.
type Orchestrator struct {
	cfg config.Feed
	Deps
	logger *ops.Logger

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *View
}

// AliasResult is the outcome of StartAlias
type AliasResult struct {
	View    *View
	Entries []feedrows.Entry
	Primary string
}

// NewOrchestrator creates an orchestrator. Background work of every view is
// bound to ctx.
func NewOrchestrator(ctx context.Context, cfg config.Feed, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = ops.Default()
	}
	root, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.WithComponent("feed"),
		root:   root,
		cancel: cancel,
	}
}

// Close cancels the current view and all background work
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	v := o.current
	o.mu.Unlock()
	if v != nil {
		v.Wait()
	}
}

// Current returns the most recently started view
func (o *Orchestrator) Current() *View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) begin(kind Kind, key string) *View {
	v := newView(o.root, kind, key)
	o.mu.Lock()
	prev := o.current
	o.current = v
	o.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	o.logger.Debug("view started", "kind", string(kind), "key", key)
	return v
}

// StartHome shows the local log. Ancestor backfill and the remote row merge
// continue in the background.
func (o *Orchestrator) StartHome(ctx context.Context) *View {
	v := o.begin(KindHome, "")

	entries := o.query(ctx, "")
	v.merge(o.collect(ctx, entries))

	seeds := entries
	if n := o.cfg.SeedCount; n >= 0 && len(seeds) > n {
		seeds = seeds[:n]
	}
	v.spawn(func(ctx context.Context) {
		if o.Replies != nil {
			if err := o.Replies.EnsureBuilt(ctx, nil); err != nil {
				o.logger.Debug("reply index unavailable", "error", err)
			}
		}
		o.backfill(ctx, v, seeds)
		o.mergeRemote(ctx, v, feedrows.HomeScope())
	})
	return v
}

// StartAuthor shows a single author's log
func (o *Orchestrator) StartAuthor(ctx context.Context, pubkey string) *View {
	v := o.begin(KindAuthor, pubkey)
	if !logstore.IsPubkey(pubkey) || o.blocked(ctx, pubkey) {
		return v
	}

	v.merge(o.collect(ctx, o.authored(ctx, pubkey)))
	v.spawn(func(ctx context.Context) {
		o.mergeRemote(ctx, v, feedrows.AuthorScope(pubkey))
	})
	return v
}

// StartSearch shows entries matching a hash
func (o *Orchestrator) StartSearch(ctx context.Context, query string) *View {
	v := o.begin(KindSearch, query)
	if query == "" {
		return v
	}
	v.merge(o.collect(ctx, o.query(ctx, query)))
	return v
}

// StartAlias resolves alias to its members and merges every member's log,
// querying under the adaptive lane cap. Primary is the first admitted member.
func (o *Orchestrator) StartAlias(ctx context.Context, alias string) AliasResult {
	v := o.begin(KindAlias, alias)
	result := AliasResult{View: v, Entries: []feedrows.Entry{}}
	if o.Directory == nil {
		return result
	}

	members, err := o.Directory.Members(ctx, alias)
	if err != nil {
		o.logger.Warn("alias lookup failed", "alias", alias, "error", err)
		return result
	}
	if !v.IsActive() {
		return result
	}

	var admitted []string
	for _, pk := range members {
		if !o.blocked(ctx, pk) {
			admitted = append(admitted, pk)
		}
	}
	if len(admitted) > 0 {
		result.Primary = admitted[0]
	}

	g := new(errgroup.Group)
	g.SetLimit(o.planLanes(lanes.Network))
	for _, pk := range admitted {
		g.Go(func() error {
			if !v.IsActive() {
				return nil
			}
			if o.Interest != nil {
				o.Interest.NoteInterest(ctx, pk)
			}
			if o.Queue != nil {
				o.Queue.Enqueue(pk, netqueue.Both)
			}
			entries := o.collect(ctx, o.authored(ctx, pk))
			if !v.IsActive() {
				return nil
			}
			v.merge(entries)
			return nil
		})
	}
	_ = g.Wait()

	if !v.IsActive() {
		return result
	}
	result.Entries = v.Entries()
	v.spawn(func(ctx context.Context) {
		o.mergeRemote(ctx, v, feedrows.AliasScope(alias))
	})
	return result
}

func (o *Orchestrator) planLanes(kind lanes.Kind) int {
	if o.Planner == nil {
		return 1
	}
	return o.Planner.PlanLanes(o.cfg.Lanes, kind)
}

func (o *Orchestrator) blocked(ctx context.Context, pubkey string) bool {
	return o.Filter != nil && o.Filter.IsBlockedAuthor(ctx, pubkey)
}

func (o *Orchestrator) query(ctx context.Context, key string) []logstore.Entry {
	entries, err := o.Store.Query(ctx, key)
	if err != nil {
		o.logger.Warn("log query failed", "key", key, "error", err)
		return nil
	}
	return entries
}

// authored returns only the entries written by pubkey
func (o *Orchestrator) authored(ctx context.Context, pubkey string) []logstore.Entry {
	entries := o.query(ctx, pubkey)
	out := entries[:0:0]
	for _, e := range entries {
		if e.Author == "" || e.Author == pubkey {
			out = append(out, e)
		}
	}
	return out
}

// collect drops moderated entries, attaches cached rows and builds rows for
// entries whose content is at hand but not cached yet.
func (o *Orchestrator) collect(ctx context.Context, entries []logstore.Entry) []feedrows.Entry {
	visible := make([]logstore.Entry, 0, len(entries))
	for _, e := range entries {
		if o.Filter != nil {
			body := ""
			if doc := o.Store.ParseYAML(e.Text); doc != nil {
				body = logstore.StringField(doc, "body")
			}
			verdict := o.Filter.ShouldHide(ctx, moderation.Subject{Author: e.Author, Hash: e.Hash, Body: body})
			if verdict.Hidden {
				continue
			}
		}
		visible = append(visible, e)
	}

	if o.Rows == nil {
		out := make([]feedrows.Entry, len(visible))
		for i, e := range visible {
			out[i] = feedrows.Entry{Entry: e}
		}
		return out
	}

	out := o.Rows.Attach(ctx, visible)
	var built []feedrows.Row
	for i := range out {
		if out[i].Row != nil || out[i].Text == "" {
			continue
		}
		row := o.buildRow(out[i].Entry, o.Store.ParseYAML(out[i].Text))
		out[i].Row = &row
		built = append(built, row)
	}
	o.Rows.UpsertMany(ctx, built)
	return out
}

func (o *Orchestrator) buildRow(e logstore.Entry, doc map[string]any) feedrows.Row {
	row := feedrows.BuildRow(e, e.Author, doc)
	if o.Replies != nil && o.Replies.Built() {
		row.ReplyCount = o.Replies.GetReplyCount(e.Hash)
	}
	return row
}

// mergeRemote pulls rows newer than the scope cursor, caches them and
// attaches them to the view's entries.
func (o *Orchestrator) mergeRemote(ctx context.Context, v *View, scope feedrows.Scope) {
	if !o.Remote.Enabled() || !v.IsActive() {
		return
	}

	var since int64
	if o.Cursors != nil {
		since = o.Cursors.GetSince(ctx, scope)
	}
	page := o.Remote.Fetch(ctx, scope, since)
	if !v.IsActive() {
		return
	}

	if o.Rows != nil {
		o.Rows.UpsertMany(ctx, page.Rows)
	}
	attached := 0
	for _, row := range page.Rows {
		if o.Rows != nil {
			if merged, ok := o.Rows.Get(ctx, row.Hash); ok {
				row = merged
			}
		}
		if v.attachRow(row) {
			attached++
		}
	}
	if o.Cursors != nil && page.NextSince > since {
		if err := o.Cursors.Update(ctx, scope, page.NextSince); err != nil {
			o.logger.Warn("failed to store row cursor", "scope", scope.String(), "error", err)
		}
	}
	o.logger.Debug("remote rows merged",
		"scope", scope.String(),
		"rows", len(page.Rows),
		"attached", attached)
}
