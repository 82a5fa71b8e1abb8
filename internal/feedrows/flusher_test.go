package feedrows

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/ops"
)

func TestFlusherStates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var writes atomic.Int32
	f := newFlusher(clock, time.Second, ops.Nop(), func(context.Context) error {
		writes.Add(1)
		return nil
	})
	defer f.stop()

	assert.Equal(t, Clean, f.current())
	require.NoError(t, f.flush(context.Background()))
	assert.Zero(t, writes.Load(), "clean flush is a no-op")

	f.markDirty()
	f.markDirty()
	assert.Equal(t, Dirty, f.current())

	clock.Advance(999 * time.Millisecond)
	assert.Zero(t, writes.Load())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.current() == Clean }, time.Second, time.Millisecond)
}

func TestFlusherRedirtiedDuringWrite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	entered := make(chan struct{})
	release := make(chan struct{})
	var writes atomic.Int32

	f := newFlusher(clock, time.Second, ops.Nop(), func(context.Context) error {
		if writes.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})
	defer f.stop()

	f.markDirty()
	done := make(chan error)
	go func() { done <- f.flush(context.Background()) }()

	<-entered
	assert.Equal(t, Flushing, f.current())
	f.markDirty()
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, Dirty, f.current(), "change during write schedules another flush")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return writes.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.current() == Clean }, time.Second, time.Millisecond)
}

func TestFlusherWriteErrorReturnsClean(t *testing.T) {
	f := newFlusher(clockwork.NewFakeClock(), time.Second, ops.Nop(), func(context.Context) error {
		return errors.New("disk full")
	})
	defer f.stop()

	f.markDirty()
	require.Error(t, f.flush(context.Background()))
	assert.Equal(t, Clean, f.current())
}

func TestFlushStateString(t *testing.T) {
	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "dirty", Dirty.String())
	assert.Equal(t, "flushing", Flushing.String())
}
