package logstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wiredove/wiredove/internal/storage"
)

const (
	blobPrefix  = "wiredove.blob."
	entryPrefix = "wiredove.log."
)

// Local is a Store backed by the key-value storage. Signed blobs are
// author(44) || opened; signature verification happens elsewhere.
type Local struct {
	kv *storage.Storage

	mu      sync.RWMutex
	loaded  bool
	entries map[string]Entry
}

// NewLocal creates a local log store
func NewLocal(kv *storage.Storage) *Local {
	return &Local{
		kv:      kv,
		entries: make(map[string]Entry),
	}
}

func (l *Local) ensureLoaded(ctx context.Context) error {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded {
		return nil
	}

	keys, err := l.kv.Keys(ctx, entryPrefix)
	if err != nil {
		return fmt.Errorf("failed to list log entries: %w", err)
	}

	entries := make(map[string]Entry, len(keys))
	for _, k := range keys {
		var e Entry
		ok, err := l.kv.GetJSON(ctx, k, &e)
		if err != nil || !ok || !IsHash(e.Hash) {
			continue
		}
		entries[e.Hash] = e
	}

	l.mu.Lock()
	if !l.loaded {
		for h, e := range entries {
			l.entries[h] = e
		}
		l.loaded = true
	}
	l.mu.Unlock()
	return nil
}

// Get returns the blob stored under hash, or nil when absent
func (l *Local) Get(ctx context.Context, hash string) ([]byte, error) {
	v, ok, err := l.kv.Get(ctx, blobPrefix+hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Put stores a blob. Signed blobs that open cleanly are appended to the log.
func (l *Local) Put(ctx context.Context, key string, value []byte) error {
	if err := l.kv.Put(ctx, blobPrefix+key, value); err != nil {
		return err
	}

	opened, _ := l.Open(ctx, value)
	if opened == "" {
		return nil
	}
	if err := l.ensureLoaded(ctx); err != nil {
		return err
	}

	ts, _ := OpenedTimestamp(opened)
	e := Entry{
		Hash:   key,
		Author: string(value[:HashLen]),
		Opened: opened,
		Ts:     ts,
	}

	l.mu.Lock()
	_, exists := l.entries[key]
	if !exists {
		l.entries[key] = e
	}
	l.mu.Unlock()
	if exists {
		return nil
	}
	return l.kv.PutJSON(ctx, entryPrefix+key, e)
}

// Publish writes content and its envelope for author, returning the log entry
func (l *Local) Publish(ctx context.Context, author string, ts int64, content string) (Entry, error) {
	if !IsPubkey(author) {
		return Entry{}, fmt.Errorf("invalid author: %q", author)
	}
	contentHash := l.Hash([]byte(content))
	if err := l.Put(ctx, contentHash, []byte(content)); err != nil {
		return Entry{}, err
	}

	opened := fmt.Sprintf("%013d", ts) + contentHash
	signed := []byte(author + opened)
	hash := l.Hash(signed)
	if err := l.Put(ctx, hash, signed); err != nil {
		return Entry{}, err
	}

	return Entry{Hash: hash, Author: author, Opened: opened, Text: content, Ts: ts}, nil
}

// Query returns log entries newest first. An empty key returns the whole log,
// an author key that author's log, otherwise the entry with that hash or
// entries whose content mentions the key.
func (l *Local) Query(ctx context.Context, key string) ([]Entry, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	l.mu.RLock()
	all := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	l.mu.RUnlock()

	var out []Entry
	switch {
	case key == "":
		out = all
	default:
		for _, e := range all {
			if e.Author == key {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			if e, ok := l.lookup(key); ok {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			for _, e := range all {
				text := l.text(ctx, e)
				if text != "" && strings.Contains(text, key) {
					out = append(out, e)
				}
			}
		}
	}

	for i := range out {
		out[i].Text = l.text(ctx, out[i])
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts > out[j].Ts
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

func (l *Local) lookup(hash string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[hash]
	return e, ok
}

func (l *Local) text(ctx context.Context, e Entry) string {
	if e.Text != "" {
		return e.Text
	}
	h := ContentHash(e.Opened)
	if h == "" {
		return ""
	}
	blob, err := l.Get(ctx, h)
	if err != nil || blob == nil {
		return ""
	}
	return string(blob)
}

// ParseYAML decodes message content
func (l *Local) ParseYAML(text string) map[string]any {
	return ParseYAML(text)
}

// Hash returns the content address of blob
func (l *Local) Hash(blob []byte) string {
	return HashBlob(blob)
}

// Open returns the opened metadata of a signed blob, or "" if malformed
func (l *Local) Open(_ context.Context, signed []byte) (string, error) {
	if len(signed) < HashLen+OpenedLen {
		return "", nil
	}
	if !IsPubkey(string(signed[:HashLen])) {
		return "", nil
	}
	opened := string(signed[HashLen:])
	if !ValidOpened(opened) {
		return "", nil
	}
	return opened, nil
}

// Len returns the number of log entries
func (l *Local) Len(ctx context.Context) int {
	if err := l.ensureLoaded(ctx); err != nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
