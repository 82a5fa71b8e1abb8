package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/feedrows"
	"github.com/wiredove/wiredove/internal/logstore"
)

func entry(hash string, ts int64) feedrows.Entry {
	return feedrows.Entry{Entry: logstore.Entry{Hash: hash, Ts: ts}}
}

func TestStoreUpsertIdempotent(t *testing.T) {
	s := NewStore()
	e := entry("a", 10)

	assert.True(t, s.Upsert(e))
	before := s.Entries()
	assert.False(t, s.Upsert(e))
	assert.Equal(t, before, s.Entries())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(10), s.Since())
}

func TestStoreKeepsAttachedRow(t *testing.T) {
	s := NewStore()
	withRow := entry("a", 10)
	withRow.Row = &feedrows.Row{Hash: "a", Name: "alice"}
	require.True(t, s.Upsert(withRow))

	tests := []struct {
		name string
		e    feedrows.Entry
	}{
		{"older without row", entry("a", 5)},
		{"equal without row", entry("a", 10)},
		{"newer without row", entry("a", 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Upsert(tt.e)
			got, ok := s.Get("a")
			require.True(t, ok)
			require.NotNil(t, got.Row)
			assert.Equal(t, "alice", got.Row.Name)
		})
	}

	got, _ := s.Get("a")
	assert.Equal(t, int64(20), got.Ts)
}

func TestStoreOlderEntryContributesMissingRow(t *testing.T) {
	s := NewStore()
	s.Upsert(entry("a", 10))

	older := entry("a", 5)
	older.Row = &feedrows.Row{Hash: "a", Preview: "hi"}
	assert.True(t, s.Upsert(older))

	got, _ := s.Get("a")
	assert.Equal(t, int64(10), got.Ts)
	require.NotNil(t, got.Row)
	assert.Equal(t, "hi", got.Row.Preview)
}

func TestStoreOrderingAndWatermark(t *testing.T) {
	s := NewStore()
	n := s.Merge([]feedrows.Entry{entry("b", 20), entry("a", 20), entry("c", 5), entry("", 99)})
	assert.Equal(t, 3, n)

	var hashes []string
	for _, e := range s.Entries() {
		hashes = append(hashes, e.Hash)
	}
	assert.Equal(t, []string{"a", "b", "c"}, hashes)
	assert.Equal(t, int64(20), s.Since())

	s.Upsert(entry("c", 1))
	assert.Equal(t, int64(20), s.Since(), "watermark never regresses")
}

func TestStoreResolvesTimestampFromOpened(t *testing.T) {
	s := NewStore()
	opened := "0000000004242" + logstore.HashBlob([]byte("c"))
	s.Upsert(feedrows.Entry{Entry: logstore.Entry{Hash: "a", Opened: opened}})

	got, _ := s.Get("a")
	assert.Equal(t, int64(4242), got.Ts)
	assert.Equal(t, int64(4242), s.Since())
}

func TestStoreAttachRow(t *testing.T) {
	s := NewStore()
	assert.False(t, s.AttachRow(feedrows.Row{Hash: "missing"}))
	assert.False(t, s.Has("missing"))

	s.Upsert(entry("a", 1))
	assert.True(t, s.AttachRow(feedrows.Row{Hash: "a", Name: "x"}))
	got, _ := s.Get("a")
	assert.Equal(t, "x", got.Row.Name)
}
