// Package storagetest provides storage drivers for tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by reads that were told to fail
var ErrInjected = errors.New("injected read failure")

// backend mirrors storage.Backend so this package stays importable from
// the storage package's own tests.
type backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Flaky wraps a driver and fails a set number of reads
type Flaky struct {
	backend

	mu        sync.Mutex
	failReads int
	reads     int
}

func NewFlaky(b backend) *Flaky {
	return &Flaky{backend: b}
}

// FailReads makes the next n reads return ErrInjected
func (f *Flaky) FailReads(n int) {
	f.mu.Lock()
	f.failReads = n
	f.mu.Unlock()
}

// Reads reports how many reads reached the wrapper
func (f *Flaky) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *Flaky) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	f.reads++
	fail := f.failReads > 0
	if fail {
		f.failReads--
	}
	f.mu.Unlock()
	if fail {
		return nil, false, ErrInjected
	}
	return f.backend.Get(ctx, key)
}
