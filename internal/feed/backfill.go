package feed

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wiredove/wiredove/internal/aggregates"
	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/lanes"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
	"github.com/wiredove/wiredove/internal/netqueue"
)

// visitedSet is shared by all chains of one backfill
type visitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitedSet(seeds []logstore.Entry) *visitedSet {
	vs := &visitedSet{seen: make(map[string]struct{}, len(seeds))}
	for _, s := range seeds {
		vs.seen[s.Hash] = struct{}{}
	}
	return vs
}

// add reports false when hash was already visited
func (vs *visitedSet) add(hash string) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, ok := vs.seen[hash]; ok {
		return false
	}
	vs.seen[hash] = struct{}{}
	return true
}

// backfill walks the previous-link chain of every seed, seeds fanned out
// under the network lane cap.
func (o *Orchestrator) backfill(ctx context.Context, v *View, seeds []logstore.Entry) {
	if len(seeds) == 0 || o.cfg.BackfillDepth <= 0 {
		return
	}
	visited := newVisitedSet(seeds)

	g := new(errgroup.Group)
	g.SetLimit(o.planLanes(lanes.Network))
	for _, seed := range seeds {
		g.Go(func() error {
			found := o.walkChain(ctx, v, seed, visited)
			o.logger.Debug("chain backfilled", "seed", seed.Hash, "ancestors", found)
			return nil
		})
	}
	_ = g.Wait()
}

// walkChain follows previous links from seed up to the backfill depth. It
// stops on missing data (queued for fetch), an unparsable link, a cycle, a
// moderated entry or a superseded view. It returns the number of ancestors
// merged.
func (o *Orchestrator) walkChain(ctx context.Context, v *View, seed logstore.Entry, visited *visitedSet) int {
	found := 0
	doc := o.content(ctx, seed)

	for depth := 0; depth < o.cfg.BackfillDepth; depth++ {
		if !v.IsActive() {
			return found
		}
		prev := aggregates.ParseThreadInfo(doc).Previous
		if prev == "" || !visited.add(prev) {
			return found
		}

		blob, err := o.Store.Get(ctx, prev)
		if err != nil {
			o.logger.Debug("backfill read failed", "hash", prev, "error", err)
			return found
		}
		if blob == nil {
			o.request(prev)
			return found
		}

		opened, err := o.Store.Open(ctx, blob)
		if err != nil || opened == "" {
			return found
		}
		ts, _ := logstore.OpenedTimestamp(opened)
		entry := logstore.Entry{Hash: prev, Opened: opened, Ts: ts}
		if len(blob) >= logstore.HashLen {
			entry.Author = string(blob[:logstore.HashLen])
		}

		text, missing := o.contentText(ctx, entry)
		entry.Text = text
		doc = o.Store.ParseYAML(text)

		if o.Filter != nil {
			body := ""
			if doc != nil {
				body = logstore.StringField(doc, "body")
			}
			subject := moderation.Subject{Author: entry.Author, Hash: entry.Hash, Body: body}
			if o.Filter.ShouldHide(ctx, subject).Hidden {
				return found
			}
		}

		row := o.buildRow(entry, doc)
		if o.Rows != nil {
			o.Rows.Upsert(ctx, row)
		}
		if !v.IsActive() {
			return found
		}
		v.upsert(feedrows.Entry{Entry: entry, Row: &row})
		found++

		if missing {
			return found
		}
	}
	return found
}

// content returns the parsed content of e, reading the blob when needed
func (o *Orchestrator) content(ctx context.Context, e logstore.Entry) map[string]any {
	if e.Text == "" {
		e.Text, _ = o.contentText(ctx, e)
	}
	return o.Store.ParseYAML(e.Text)
}

// contentText reads the content blob of e. missing reports that the blob is
// absent locally and has been queued for fetch.
func (o *Orchestrator) contentText(ctx context.Context, e logstore.Entry) (string, bool) {
	if e.Text != "" {
		return e.Text, false
	}
	contentHash := logstore.ContentHash(e.Opened)
	if contentHash == "" {
		return "", false
	}
	blob, err := o.Store.Get(ctx, contentHash)
	if err != nil {
		return "", false
	}
	if blob == nil {
		o.request(contentHash)
		return "", true
	}
	return string(blob), false
}

func (o *Orchestrator) request(hash string) {
	if o.Queue != nil {
		o.Queue.Enqueue(hash, netqueue.Both)
	}
}
