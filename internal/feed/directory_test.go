package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
)

func TestHTTPDirectory(t *testing.T) {
	alice, bob := id("alice"), id("bob")
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Path != "/club" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"members": []string{alice, "garbage", bob, alice},
		})
	}))
	defer srv.Close()

	kv := storage.NewMemory()
	cfg := config.Default().Feed
	cfg.DirectoryURL = srv.URL + "/"
	dir := NewHTTPDirectory(&cfg, kv, ops.Nop())
	ctx := context.Background()

	members, err := dir.Members(ctx, "club")
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob}, members)

	var cached aliasRecord
	ok, err := kv.GetJSON(ctx, AliasPrefix+"club", &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{alice, bob}, cached.Members)

	failing.Store(true)
	members, err = dir.Members(ctx, "club")
	require.NoError(t, err, "falls back to cached members")
	assert.Equal(t, []string{alice, bob}, members)

	_, err = dir.Members(ctx, "unknown")
	assert.Error(t, err)

	_, err = dir.Members(ctx, "  ")
	assert.Error(t, err)
}

func TestHTTPDirectoryUnconfigured(t *testing.T) {
	cfg := config.Default().Feed
	dir := NewHTTPDirectory(&cfg, storage.NewMemory(), ops.Nop())
	_, err := dir.Members(context.Background(), "club")
	assert.Error(t, err)
}
