package netqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/ops"
)

type fakeTransport struct {
	mu          sync.Mutex
	socketReady bool
	swarmReady  bool
	socketErr   error
	socket      []string
	swarm       []string
}

func (f *fakeTransport) SendSocket(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.socketErr != nil {
		return f.socketErr
	}
	f.socket = append(f.socket, p)
	return nil
}

func (f *fakeTransport) SendSwarm(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swarm = append(f.swarm, p)
	return nil
}

func (f *fakeTransport) HasSocketReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socketReady
}

func (f *fakeTransport) HasSwarmReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swarmReady
}

func (f *fakeTransport) set(socket, swarm bool) {
	f.mu.Lock()
	f.socketReady, f.swarmReady = socket, swarm
	f.mu.Unlock()
}

func (f *fakeTransport) sent() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.socket...), append([]string(nil), f.swarm...)
}

func newTestQueue(t *testing.T, opts ...Opt) (*Queue, *fakeTransport) {
	t.Helper()
	base := []Opt{WithClock(clockwork.NewFakeClock()), WithLogger(ops.Nop())}
	q := New(append(base, opts...)...)
	tr := &fakeTransport{}
	q.Register(tr)
	t.Cleanup(q.Stop)
	return q, tr
}

func TestEnqueueDedupWidensTargets(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue("H", Socket)
	q.Enqueue("H", Socket)
	q.Enqueue("H", Swarm)

	require.Equal(t, 1, q.Len())
	it, ok := q.Pending("H")
	require.True(t, ok)
	assert.Equal(t, Both, it.Targets)
	assert.Equal(t, Targets(0), it.Sent)
}

func TestEnqueueIgnoresEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("", Both)
	q.Enqueue("H", 0)
	assert.Equal(t, 0, q.Len())
}

func TestSocketThenSwarm(t *testing.T) {
	q, tr := newTestQueue(t)

	q.Enqueue("H", Both)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, q.Tick())
	}
	require.Equal(t, 1, q.Len())

	tr.set(true, false)
	assert.Equal(t, 1, q.Tick())
	socket, swarm := tr.sent()
	assert.Equal(t, []string{"H"}, socket)
	assert.Empty(t, swarm)

	it, ok := q.Pending("H")
	require.True(t, ok, "item must stay queued until swarm is sent")
	assert.Equal(t, Socket, it.Sent)

	// socket already sent, nothing further until swarm comes up
	assert.Equal(t, 0, q.Tick())
	socket, _ = tr.sent()
	assert.Len(t, socket, 1)

	tr.set(true, true)
	assert.Equal(t, 1, q.Tick())
	socket, swarm = tr.sent()
	assert.Equal(t, []string{"H"}, socket)
	assert.Equal(t, []string{"H"}, swarm)
	assert.Equal(t, 0, q.Len())
}

func TestReenqueueAfterPartialSendDoesNotResend(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(true, false)

	q.Enqueue("H", Both)
	q.Tick()
	q.Enqueue("H", Socket)
	q.Tick()

	socket, _ := tr.sent()
	assert.Equal(t, []string{"H"}, socket)
	assert.Equal(t, 1, q.Len())
}

func TestOneItemPerTickInOrder(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(true, true)

	q.Enqueue("A", Both)
	q.Enqueue("B", Socket)
	q.Enqueue("C", Swarm)

	q.Tick()
	socket, swarm := tr.sent()
	assert.Equal(t, []string{"A"}, socket)
	assert.Equal(t, []string{"A"}, swarm)

	q.Tick()
	q.Tick()
	socket, swarm = tr.sent()
	assert.Equal(t, []string{"A", "B"}, socket)
	assert.Equal(t, []string{"A", "C"}, swarm)
	assert.Equal(t, 0, q.Len())
}

func TestTickSkipsItemsWithoutReadyTarget(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(false, true)

	q.Enqueue("socket-only", Socket)
	q.Enqueue("swarm-only", Swarm)

	assert.Equal(t, 1, q.Tick())
	_, swarm := tr.sent()
	assert.Equal(t, []string{"swarm-only"}, swarm)
	assert.Equal(t, 1, q.Len())
}

func TestMaxItemsPerTick(t *testing.T) {
	q, tr := newTestQueue(t, WithMaxItemsPerTick(2))
	tr.set(true, false)

	for _, k := range []string{"a", "b", "c"} {
		q.Enqueue(k, Socket)
	}
	assert.Equal(t, 2, q.Tick())
	assert.Equal(t, 1, q.Len())
}

func TestNoteReceivedCancels(t *testing.T) {
	q, tr := newTestQueue(t)

	q.Enqueue("H", Both)
	q.NoteReceived("H")
	q.NoteReceived("unknown")
	assert.Equal(t, 0, q.Len())

	tr.set(true, true)
	q.Tick()
	socket, swarm := tr.sent()
	assert.Empty(t, socket)
	assert.Empty(t, swarm)
}

func TestFailedSendStaysPending(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(true, false)
	tr.socketErr = errors.New("broken pipe")

	q.Enqueue("H", Socket)
	q.Tick()

	it, ok := q.Pending("H")
	require.True(t, ok)
	assert.Equal(t, Targets(0), it.Sent)

	tr.mu.Lock()
	tr.socketErr = nil
	tr.mu.Unlock()
	q.Tick()
	assert.Equal(t, 0, q.Len())
}

func TestFailedSendUsesTickBudget(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(true, true)
	tr.socketErr = errors.New("broken pipe")

	q.Enqueue("socket-only", Socket)
	q.Enqueue("swarm-only", Swarm)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, q.Tick())
	}
	_, swarm := tr.sent()
	assert.Empty(t, swarm, "the failing head item holds the only slot")
	assert.Equal(t, 2, q.Len())

	wide, wideTr := newTestQueue(t, WithMaxItemsPerTick(2))
	wideTr.set(true, true)
	wideTr.socketErr = errors.New("broken pipe")
	wide.Enqueue("socket-only", Socket)
	wide.Enqueue("swarm-only", Swarm)

	assert.Equal(t, 2, wide.Tick())
	_, swarm = wideTr.sent()
	assert.Equal(t, []string{"swarm-only"}, swarm)
	assert.Equal(t, 1, wide.Len())
}

func TestNoTransportNoDispatch(t *testing.T) {
	q := New(WithClock(clockwork.NewFakeClock()), WithLogger(ops.Nop()))
	defer q.Stop()
	q.Enqueue("H", Both)
	assert.Equal(t, 0, q.Tick())
	assert.Equal(t, 1, q.Len())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	q, tr := newTestQueue(t)
	tr.set(true, true)
	q.Enqueue("H", Both)

	q.draining.Store(true)
	assert.Equal(t, 0, q.Tick())
	q.draining.Store(false)

	assert.Equal(t, 1, q.Tick())
	socket, _ := tr.sent()
	assert.Len(t, socket, 1)
}

func TestTimerDrivesDrain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(WithClock(clock), WithLogger(ops.Nop()), WithTickInterval(10*time.Millisecond))
	defer q.Stop()
	tr := &fakeTransport{}
	tr.set(true, true)
	q.Register(tr)

	q.Enqueue("A", Both)
	q.Enqueue("B", Both)

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		return q.Len() == 0
	}, time.Second, time.Millisecond)

	socket, swarm := tr.sent()
	assert.Equal(t, []string{"A", "B"}, socket)
	assert.Equal(t, []string{"A", "B"}, swarm)
}

func TestTargetsString(t *testing.T) {
	assert.Equal(t, "socket", Socket.String())
	assert.Equal(t, "swarm", Swarm.String())
	assert.Equal(t, "both", Both.String())
	assert.Equal(t, "none", Targets(0).String())
}
