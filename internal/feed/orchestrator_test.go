package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/aggregates"
	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/lanes"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
	"github.com/wiredove/wiredove/internal/netqueue"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
)

func id(name string) string {
	return logstore.HashBlob([]byte(name))
}

// mapStore keeps blobs under caller-chosen hashes so tests can build chains,
// including cycles, that content addressing would not allow.
type mapStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	log   []logstore.Entry
}

func newMapStore() *mapStore {
	return &mapStore{blobs: make(map[string][]byte)}
}

// message stores a signed message under hash. inLog controls whether the
// local log query returns it; withContent whether its content blob exists.
func (m *mapStore) message(hash, author string, ts int64, content string, inLog, withContent bool) logstore.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	contentHash := logstore.HashBlob([]byte(content))
	if withContent {
		m.blobs[contentHash] = []byte(content)
	}
	opened := fmt.Sprintf("%013d", ts) + contentHash
	m.blobs[hash] = []byte(author + opened)

	e := logstore.Entry{Hash: hash, Author: author, Opened: opened, Ts: ts}
	if inLog {
		if withContent {
			e.Text = content
		}
		m.log = append(m.log, e)
	}
	return e
}

func (m *mapStore) Get(_ context.Context, hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[hash], nil
}

func (m *mapStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = value
	return nil
}

func (m *mapStore) Query(_ context.Context, key string) ([]logstore.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logstore.Entry
	for _, e := range m.log {
		if key == "" || e.Author == key || e.Hash == key || strings.Contains(e.Text, key) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts > out[j].Ts })
	return out, nil
}

func (m *mapStore) ParseYAML(text string) map[string]any { return logstore.ParseYAML(text) }

func (m *mapStore) Hash(blob []byte) string { return logstore.HashBlob(blob) }

func (m *mapStore) Open(_ context.Context, signed []byte) (string, error) {
	if len(signed) < logstore.HashLen+logstore.OpenedLen {
		return "", nil
	}
	opened := string(signed[logstore.HashLen:])
	if !logstore.ValidOpened(opened) {
		return "", nil
	}
	return opened, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	keys []string
}

func (q *recordingQueue) Enqueue(payload string, _ netqueue.Targets) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, payload)
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.keys...)
}

type recordingInterest struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInterest) NoteInterest(_ context.Context, pubkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, pubkey)
}

type harness struct {
	orch     *Orchestrator
	store    *mapStore
	kv       *storage.Storage
	rows     *feedrows.Cache
	filter   *moderation.Filter
	queue    *recordingQueue
	interest *recordingInterest
}

func newHarness(t *testing.T, mutate func(*config.Feed, *Deps)) *harness {
	t.Helper()
	kv := storage.NewMemory()
	clock := clockwork.NewFakeClock()
	rows, err := feedrows.NewCache(kv, feedrows.WithClock(clock), feedrows.WithLogger(ops.Nop()))
	require.NoError(t, err)

	h := &harness{
		store:    newMapStore(),
		kv:       kv,
		rows:     rows,
		filter:   moderation.New(kv, moderation.WithClock(clock), moderation.WithLogger(ops.Nop())),
		queue:    &recordingQueue{},
		interest: &recordingInterest{},
	}
	planner := lanes.NewPlanner(lanes.SourceFunc(func() lanes.Signals {
		return lanes.Signals{Cores: 4, EffectiveType: "4g"}
	}))

	cfg := config.Default().Feed
	deps := Deps{
		Store:    h.store,
		Rows:     rows,
		Filter:   h.filter,
		Queue:    h.queue,
		Planner:  planner,
		Replies:  aggregates.NewReplyIndex(h.store, planner, aggregates.WithLogger(ops.Nop())),
		Interest: h.interest,
		Logger:   ops.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.orch = NewOrchestrator(context.Background(), cfg, deps)
	t.Cleanup(h.orch.Close)
	return h
}

func hashes(entries []feedrows.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}

func TestBackfillStopsAtCycle(t *testing.T) {
	h := newHarness(t, nil)
	author := id("alice")
	s, p1 := id("S"), id("P1")

	h.store.message(s, author, 2000, "previous: "+p1+"\nbody: seed", true, true)
	h.store.message(p1, author, 1000, "previous: "+s+"\nbody: ancestor", false, true)

	v := h.orch.StartHome(context.Background())
	assert.Equal(t, []string{s}, hashes(v.Entries()), "first paint has the local log only")

	v.Wait()
	assert.Equal(t, []string{s, p1}, hashes(v.Entries()))
	assert.Empty(t, h.queue.enqueued())

	got, ok := h.rows.Get(context.Background(), p1)
	require.True(t, ok, "ancestor rows are cached")
	assert.Equal(t, "ancestor", got.Preview)
}

func TestBackfillQueuesMissingAncestor(t *testing.T) {
	h := newHarness(t, nil)
	author := id("alice")
	seed, missing := id("seed"), id("missing")
	h.store.message(seed, author, 2000, "previous: "+missing, true, true)

	v := h.orch.StartHome(context.Background())
	v.Wait()

	assert.Equal(t, []string{missing}, h.queue.enqueued())
	assert.Equal(t, 1, v.Len())
}

func TestBackfillQueuesMissingContent(t *testing.T) {
	h := newHarness(t, nil)
	author := id("alice")
	seed, parent := id("seed"), id("parent")
	h.store.message(seed, author, 2000, "previous: "+parent, true, true)
	pe := h.store.message(parent, author, 1000, "body: gone", false, false)

	v := h.orch.StartHome(context.Background())
	v.Wait()

	assert.Equal(t, []string{seed, parent}, hashes(v.Entries()))
	assert.Equal(t, []string{logstore.ContentHash(pe.Opened)}, h.queue.enqueued())
}

func TestBackfillDepthLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Feed, _ *Deps) {
		cfg.BackfillDepth = 2
	})
	author := id("alice")
	chain := []string{id("m0"), id("m1"), id("m2"), id("m3"), id("m4")}
	for i, hash := range chain {
		content := "body: link"
		if i+1 < len(chain) {
			content = "previous: " + chain[i+1] + "\n" + content
		}
		h.store.message(hash, author, int64(5000-i), content, i == 0, true)
	}

	v := h.orch.StartHome(context.Background())
	v.Wait()
	assert.Equal(t, chain[:3], hashes(v.Entries()))
}

func TestBackfillSkipsBlockedAncestor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, mallory := id("alice"), id("mallory")
	seed, parent := id("seed"), id("parent")
	h.store.message(seed, alice, 2000, "previous: "+parent, true, true)
	h.store.message(parent, mallory, 1000, "body: nope", false, true)
	require.NoError(t, h.filter.BlockAuthor(ctx, mallory))

	v := h.orch.StartHome(ctx)
	v.Wait()
	assert.Equal(t, []string{seed}, hashes(v.Entries()))
}

func TestHomeHidesModeratedEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	author := id("alice")
	keep, hide, word := id("keep"), id("hide"), id("word")
	h.store.message(keep, author, 3000, "body: fine", true, true)
	h.store.message(hide, author, 2000, "body: also fine", true, true)
	h.store.message(word, author, 1000, "body: SPOILER inside", true, true)
	require.NoError(t, h.filter.HideHash(ctx, hide))
	require.NoError(t, h.filter.MuteWord(ctx, "spoiler"))

	v := h.orch.StartHome(ctx)
	v.Wait()
	assert.Equal(t, []string{keep}, hashes(v.Entries()))
}

func TestStartAuthor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, bob := id("alice"), id("bob")
	a1 := id("a1")
	h.store.message(a1, alice, 2000, "name: Alice\nbody: hello   world", true, true)
	h.store.message(id("b1"), bob, 1000, "body: mentions "+alice, true, true)

	v := h.orch.StartAuthor(ctx, alice)
	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, a1, entries[0].Hash)
	require.NotNil(t, entries[0].Row)
	assert.Equal(t, "Alice", entries[0].Row.Name)
	assert.Equal(t, "hello world", entries[0].Row.Preview)

	cached, ok := h.rows.Get(ctx, a1)
	require.True(t, ok)
	assert.Equal(t, alice, cached.Author)

	require.NoError(t, h.filter.BlockAuthor(ctx, bob))
	assert.Zero(t, h.orch.StartAuthor(ctx, bob).Len())
	assert.Zero(t, h.orch.StartAuthor(ctx, "bad-key").Len())
}

func TestStartSearch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	author := id("alice")
	target := id("target")
	h.store.message(target, author, 2000, "body: first post", true, true)
	reply := id("reply")
	h.store.message(reply, author, 3000, "reply: "+target, true, true)

	v := h.orch.StartSearch(ctx, target)
	assert.ElementsMatch(t, []string{target, reply}, hashes(v.Entries()))
	assert.Zero(t, h.orch.StartSearch(ctx, "").Len())
}

func TestSupersededViewIgnoresWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.message(id("x"), id("alice"), 1000, "body: x", true, true)

	home := h.orch.StartHome(ctx)
	search := h.orch.StartSearch(ctx, id("x"))
	home.Wait()

	assert.False(t, home.IsActive())
	assert.True(t, search.IsActive())
	assert.Same(t, search, h.orch.Current())

	assert.Zero(t, home.merge([]feedrows.Entry{entry(id("late"), 5)}))
	assert.False(t, home.upsert(entry(id("late"), 5)))
	assert.False(t, home.store.Has(id("late")))
}

func TestStartAlias(t *testing.T) {
	alice, bob, mallory := id("alice"), id("bob"), id("mallory")
	h := newHarness(t, func(_ *config.Feed, d *Deps) {
		d.Directory = DirectoryFunc(func(_ context.Context, alias string) ([]string, error) {
			if alias != "club" {
				return nil, fmt.Errorf("unknown alias")
			}
			return []string{mallory, alice, bob}, nil
		})
	})
	ctx := context.Background()
	require.NoError(t, h.filter.BlockAuthor(ctx, mallory))

	h.store.message(id("a1"), alice, 3000, "body: a", true, true)
	h.store.message(id("b1"), bob, 2000, "body: b", true, true)
	h.store.message(id("m1"), mallory, 1000, "body: m", true, true)

	res := h.orch.StartAlias(ctx, "club")
	assert.Equal(t, alice, res.Primary)
	assert.Equal(t, []string{id("a1"), id("b1")}, hashes(res.Entries))
	assert.ElementsMatch(t, []string{alice, bob}, h.interest.keys)
	assert.ElementsMatch(t, []string{alice, bob}, h.queue.enqueued())

	empty := h.orch.StartAlias(ctx, "nobody")
	assert.Empty(t, empty.Entries)
	assert.Empty(t, empty.Primary)
}

func TestRemoteRowsMergedIntoView(t *testing.T) {
	author := id("alice")
	seed := id("seed")
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(feedrows.Page{
			Rows:      []feedrows.Row{{Hash: seed, ReplyCount: 7}, {Hash: id("elsewhere"), Name: "x"}},
			NextSince: 900,
		})
	}))
	defer srv.Close()

	var cursors *feedrows.CursorManager
	h := newHarness(t, func(_ *config.Feed, d *Deps) {
		d.Remote = feedrows.NewRemote(&config.RemoteRows{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000},
			feedrows.WithRemoteLogger(ops.Nop()))
		cursors = feedrows.NewCursorManager(storage.NewMemory())
		d.Cursors = cursors
	})
	h.store.message(seed, author, 2000, "body: local", true, true)

	v := h.orch.StartHome(context.Background())
	v.Wait()

	got, ok := v.store.Get(seed)
	require.True(t, ok)
	require.NotNil(t, got.Row)
	assert.Equal(t, 7, got.Row.ReplyCount)
	assert.Equal(t, "local", got.Row.Preview, "remote fields merge over the cached row")
	assert.Equal(t, 1, v.Len(), "rows never create entries")
	assert.Equal(t, "0", gotSince)
	assert.Equal(t, int64(900), cursors.GetSince(context.Background(), feedrows.HomeScope()))
}
