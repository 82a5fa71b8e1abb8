package transport

import (
	"context"
	"time"

	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/netqueue"
	"github.com/wiredove/wiredove/internal/ops"
)

// Requests is the part of the network queue inbound traffic touches
type Requests interface {
	Enqueue(payload string, targets netqueue.Targets)
	NoteReceived(payload string)
}

// SeenRecorder is told when a peer's record arrives
type SeenRecorder interface {
	NoteSeen(ctx context.Context, pubkey string, ts time.Time)
}

// Inbound answers requests from peers and stores the blobs they send.
//
// A 44-character payload is a request: the blob with that hash is returned,
// or failing that the newest record of the author with that key. Anything
// else is a blob; it is stored under its hash and any pending request for it
// is dropped. Signed blobs whose content is missing queue the content.
type Inbound struct {
	Store    logstore.Store
	Requests Requests
	Seen     SeenRecorder
	Logger   *ops.Logger
}

// Handle implements Handler
func (in *Inbound) Handle(ctx context.Context, payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	if key := string(payload); logstore.IsHash(key) {
		return in.answer(ctx, key)
	}
	in.receive(ctx, payload)
	return nil
}

func (in *Inbound) answer(ctx context.Context, key string) []byte {
	blob, err := in.Store.Get(ctx, key)
	if err != nil {
		in.logger().Debug("request lookup failed", "key", key, "error", err)
		return nil
	}
	if blob != nil {
		return blob
	}

	entries, err := in.Store.Query(ctx, key)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Author != key {
			continue
		}
		if blob, _ := in.Store.Get(ctx, e.Hash); blob != nil {
			return blob
		}
	}
	return nil
}

func (in *Inbound) receive(ctx context.Context, blob []byte) {
	hash := in.Store.Hash(blob)
	if err := in.Store.Put(ctx, hash, blob); err != nil {
		in.logger().Warn("failed to store inbound blob", "hash", hash, "error", err)
		return
	}
	if in.Requests != nil {
		in.Requests.NoteReceived(hash)
	}

	opened, err := in.Store.Open(ctx, blob)
	if err != nil || opened == "" {
		return
	}
	author := string(blob[:logstore.HashLen])
	if in.Seen != nil {
		if ts, ok := logstore.OpenedTimestamp(opened); ok {
			in.Seen.NoteSeen(ctx, author, time.UnixMilli(ts))
		}
	}

	contentHash := logstore.ContentHash(opened)
	if in.Requests == nil || contentHash == "" {
		return
	}
	if content, err := in.Store.Get(ctx, contentHash); err == nil && content == nil {
		in.Requests.Enqueue(contentHash, netqueue.Both)
	}
}

func (in *Inbound) logger() *ops.Logger {
	if in.Logger == nil {
		return ops.Nop()
	}
	return in.Logger
}
