package feedrows

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/ops"
)

// FlushState is the state of a debounced writer
type FlushState int

const (
	// Clean means nothing is waiting to be persisted
	Clean FlushState = iota
	// Dirty means a write is scheduled
	Dirty
	// Flushing means a write is running
	Flushing
)

func (s FlushState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// flusher coalesces bursts of changes into one write per delay window.
// Changes made while a write runs put it back to Dirty afterwards.
type flusher struct {
	clock  clockwork.Clock
	delay  time.Duration
	write  func(ctx context.Context) error
	logger *ops.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	state   FlushState
	redirty bool
	timer   clockwork.Timer
	stopped bool
}

func newFlusher(clock clockwork.Clock, delay time.Duration, logger *ops.Logger, write func(ctx context.Context) error) *flusher {
	return &flusher{clock: clock, delay: delay, logger: logger, write: write}
}

func (f *flusher) markDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case Clean:
		f.state = Dirty
		f.scheduleLocked()
	case Dirty:
		f.scheduleLocked()
	case Flushing:
		f.redirty = true
	}
}

func (f *flusher) scheduleLocked() {
	if f.stopped || f.timer != nil {
		return
	}
	f.timer = f.clock.AfterFunc(f.delay, func() {
		if err := f.flush(context.Background()); err != nil {
			f.logger.Warn("feed row flush failed", "error", err)
		}
	})
}

// flush writes immediately if anything is pending
func (f *flusher) flush(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.state != Dirty {
		f.mu.Unlock()
		return nil
	}
	f.state = Flushing
	f.mu.Unlock()

	err := f.write(ctx)

	f.mu.Lock()
	if f.redirty {
		f.redirty = false
		f.state = Dirty
		f.scheduleLocked()
	} else {
		f.state = Clean
	}
	f.mu.Unlock()
	return err
}

func (f *flusher) current() FlushState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *flusher) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
