package feed

import (
	"context"
	"sync"

	"github.com/wiredove/wiredove/internal/feedrows"
)

// Kind is the kind of feed view
type Kind string

const (
	KindHome   Kind = "home"
	KindAuthor Kind = "author"
	KindAlias  Kind = "alias"
	KindSearch Kind = "search"
)

// View is one requested feed. Once cancelled or superseded it accepts no
// further writes, so late background work cannot touch a newer view.
type View struct {
	Kind Kind
	Key  string

	ctx    context.Context
	cancel context.CancelFunc
	store  *Store
	wg     sync.WaitGroup
}

func newView(parent context.Context, kind Kind, key string) *View {
	ctx, cancel := context.WithCancel(parent)
	return &View{
		Kind:   kind,
		Key:    key,
		ctx:    ctx,
		cancel: cancel,
		store:  NewStore(),
	}
}

// IsActive reports whether the view still accepts results
func (v *View) IsActive() bool {
	return v.ctx.Err() == nil
}

// Context is cancelled when the view is superseded
func (v *View) Context() context.Context {
	return v.ctx
}

// Cancel stops the view. Pending background work finishes without writing.
func (v *View) Cancel() {
	v.cancel()
}

// Wait blocks until the view's background work has returned
func (v *View) Wait() {
	v.wg.Wait()
}

// Entries returns the current entries newest first
func (v *View) Entries() []feedrows.Entry {
	return v.store.Entries()
}

// Since returns the view's timestamp watermark
func (v *View) Since() int64 {
	return v.store.Since()
}

// Len returns the number of entries in the view
func (v *View) Len() int {
	return v.store.Len()
}

func (v *View) merge(entries []feedrows.Entry) int {
	if !v.IsActive() {
		return 0
	}
	return v.store.Merge(entries)
}

func (v *View) upsert(e feedrows.Entry) bool {
	if !v.IsActive() {
		return false
	}
	return v.store.Upsert(e)
}

func (v *View) attachRow(row feedrows.Row) bool {
	if !v.IsActive() {
		return false
	}
	return v.store.AttachRow(row)
}

func (v *View) spawn(fn func(ctx context.Context)) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if !v.IsActive() {
			return
		}
		fn(v.ctx)
	}()
}
