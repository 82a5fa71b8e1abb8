package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
	"github.com/wiredove/wiredove/internal/storage/storagetest"
)

var (
	alice = logstore.HashBlob([]byte("alice"))
	bob   = logstore.HashBlob([]byte("bob"))
	post  = logstore.HashBlob([]byte("post"))
)

func newTestFilter(kv *storage.Storage) (*Filter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(kv, WithClock(clock), WithLogger(ops.Nop()), WithCacheTTL(2*time.Second)), clock
}

func TestShouldHidePrecedence(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(storage.NewMemory())

	require.NoError(t, f.MuteAuthor(ctx, alice))
	require.NoError(t, f.BlockAuthor(ctx, alice))
	require.NoError(t, f.MuteAuthor(ctx, bob))
	require.NoError(t, f.HideHash(ctx, post))
	require.NoError(t, f.MuteWord(ctx, "  SPOILER "))

	tests := []struct {
		name    string
		subject Subject
		hidden  bool
		reason  string
		code    string
	}{
		{"blocked beats muted", Subject{Author: alice, Hash: post, Body: "spoiler"}, true, "Blocked author", CodeBlockedAuthor},
		{"muted beats hidden hash", Subject{Author: bob, Hash: post}, true, "Muted author", CodeMutedAuthor},
		{"hidden hash beats word", Subject{Hash: post, Body: "spoiler"}, true, "Hidden message", CodeHiddenHash},
		{"word is case insensitive substring", Subject{Body: "Big SPOILERS ahead"}, true, "Muted word: spoiler", CodeMutedWord},
		{"clean", Subject{Author: logstore.HashBlob([]byte("carol")), Body: "hello"}, false, "", ""},
		{"empty subject", Subject{}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.ShouldHide(ctx, tt.subject)
			assert.Equal(t, tt.hidden, v.Hidden)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.code, v.Code)
		})
	}
}

func TestIsBlockedAuthor(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(storage.NewMemory())

	assert.False(t, f.IsBlockedAuthor(ctx, alice))
	require.NoError(t, f.BlockAuthor(ctx, alice))
	assert.True(t, f.IsBlockedAuthor(ctx, alice))
	assert.False(t, f.IsBlockedAuthor(ctx, ""))

	require.NoError(t, f.UnblockAuthor(ctx, alice))
	assert.False(t, f.IsBlockedAuthor(ctx, alice))
}

func TestMutationsPersist(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f, _ := newTestFilter(kv)

	require.NoError(t, f.BlockAuthor(ctx, bob))
	require.NoError(t, f.MuteWord(ctx, "Crypto"))
	require.NoError(t, f.MuteWord(ctx, "crypto"))
	require.NoError(t, f.HideHash(ctx, post))
	require.NoError(t, f.UnhideHash(ctx, post))

	var s State
	ok, err := kv.GetJSON(ctx, StorageKey, &s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{bob}, s.BlockedAuthors)
	assert.Equal(t, []string{"crypto"}, s.MutedWords)
	assert.Empty(t, s.HiddenHashes)

	other, _ := newTestFilter(kv)
	assert.True(t, other.IsBlockedAuthor(ctx, bob))
}

func TestInvalidIdentifiersIgnored(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f, _ := newTestFilter(kv)

	require.NoError(t, f.BlockAuthor(ctx, "not-a-key"))
	require.NoError(t, f.HideHash(ctx, "short"))
	require.NoError(t, f.MuteWord(ctx, "   "))

	_, ok, err := kv.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "no write for rejected input")
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f, clock := newTestFilter(kv)

	assert.False(t, f.IsBlockedAuthor(ctx, alice))

	// out-of-band write is invisible until the cache expires
	require.NoError(t, kv.PutJSON(ctx, StorageKey, State{BlockedAuthors: []string{alice}}))
	assert.False(t, f.IsBlockedAuthor(ctx, alice))

	clock.Advance(2 * time.Second)
	assert.True(t, f.IsBlockedAuthor(ctx, alice))
}

func TestCorruptStateResets(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Put(ctx, StorageKey, []byte("][")))

	f, _ := newTestFilter(kv)
	assert.False(t, f.ShouldHide(ctx, Subject{Author: alice}).Hidden)
	assert.Equal(t, State{
		MutedAuthors:   []string{},
		HiddenHashes:   []string{},
		MutedWords:     []string{},
		BlockedAuthors: []string{},
	}, f.State(ctx))

	require.NoError(t, f.MuteAuthor(ctx, alice))
	assert.True(t, f.ShouldHide(ctx, Subject{Author: alice}).Hidden)
}

func TestFailedReadKeepsPersistedState(t *testing.T) {
	ctx := context.Background()
	flaky := storagetest.NewFlaky(storage.NewMemoryBackend())
	kv := storage.NewWithBackend("memory", flaky)
	f, clock := newTestFilter(kv)
	carol := logstore.HashBlob([]byte("carol"))

	require.NoError(t, f.BlockAuthor(ctx, alice))
	require.NoError(t, f.BlockAuthor(ctx, bob))
	clock.Advance(3 * time.Second)

	flaky.FailReads(1)
	err := f.MuteAuthor(ctx, carol)
	require.ErrorIs(t, err, storagetest.ErrInjected)

	fresh, _ := newTestFilter(kv)
	assert.True(t, fresh.IsBlockedAuthor(ctx, alice))
	assert.True(t, fresh.IsBlockedAuthor(ctx, bob))
	assert.False(t, fresh.ShouldHide(ctx, Subject{Author: carol}).Hidden)

	require.NoError(t, f.MuteAuthor(ctx, carol))
	after, _ := newTestFilter(kv)
	assert.Equal(t, []string{carol}, after.State(ctx).MutedAuthors)
	assert.Len(t, after.State(ctx).BlockedAuthors, 2)
}

func TestFailedReadServesCachedSnapshot(t *testing.T) {
	ctx := context.Background()
	flaky := storagetest.NewFlaky(storage.NewMemoryBackend())
	f, clock := newTestFilter(storage.NewWithBackend("memory", flaky))

	require.NoError(t, f.BlockAuthor(ctx, alice))
	clock.Advance(3 * time.Second)

	flaky.FailReads(1)
	assert.True(t, f.IsBlockedAuthor(ctx, alice))

	// the failed read is not cached, so the next lookup goes back to storage
	before := flaky.Reads()
	assert.True(t, f.IsBlockedAuthor(ctx, alice))
	assert.Equal(t, before+1, flaky.Reads())
}

func TestUnmuteWord(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(storage.NewMemory())

	require.NoError(t, f.MuteWord(ctx, "alpha"))
	require.NoError(t, f.MuteWord(ctx, "beta"))
	require.NoError(t, f.UnmuteWord(ctx, "ALPHA"))
	assert.Equal(t, []string{"beta"}, f.State(ctx).MutedWords)

	require.NoError(t, f.UnmuteAuthor(ctx, alice))
}
