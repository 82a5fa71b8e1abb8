// Package netqueue is the deduplicating outbound queue in front of the socket
// and swarm transports.
package netqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/ops"
)

// Targets is a set of transports
type Targets uint8

const (
	Socket Targets = 1 << iota
	Swarm

	Both = Socket | Swarm
)

func (t Targets) String() string {
	switch t {
	case Socket:
		return "socket"
	case Swarm:
		return "swarm"
	case Both:
		return "both"
	default:
		return "none"
	}
}

// Transport is the pair of send primitives the queue drains into
type Transport interface {
	SendSocket(payload string) error
	HasSocketReady() bool
	SendSwarm(payload string) error
	HasSwarmReady() bool
}

// Item is a pending payload. Key is the dedup key.
type Item struct {
	Msg     string
	Key     string
	Targets Targets
	Sent    Targets
}

// remaining returns the targets requested but not yet sent
func (it *Item) remaining() Targets {
	return it.Targets &^ it.Sent
}

// Opt configures a Queue
type Opt func(*Queue)

// WithClock sets the clock driving the drain timer
func WithClock(c clockwork.Clock) Opt {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Opt {
	return func(q *Queue) { q.logger = l.WithComponent("netqueue") }
}

// WithTickInterval sets the drain tick
func WithTickInterval(d time.Duration) Opt {
	return func(q *Queue) {
		if d > 0 {
			q.tick = d
		}
	}
}

// WithMaxItemsPerTick bounds how many items a single tick may dispatch
func WithMaxItemsPerTick(n int) Opt {
	return func(q *Queue) {
		if n > 0 {
			q.maxPerTick = n
		}
	}
}

// Queue holds at most one pending item per key and drains them on a timer,
// a bounded number per tick, in FIFO order.
type Queue struct {
	clock      clockwork.Clock
	logger     *ops.Logger
	tick       time.Duration
	maxPerTick int

	mu        sync.Mutex
	items     []*Item
	pending   map[string]*Item
	transport Transport
	timer     clockwork.Timer
	stopped   bool

	draining atomic.Bool
}

// New creates an empty queue
func New(opts ...Opt) *Queue {
	q := &Queue{
		clock:      clockwork.NewRealClock(),
		logger:     ops.Default().WithComponent("netqueue"),
		tick:       50 * time.Millisecond,
		maxPerTick: 1,
		pending:    make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register installs the transport. Until then nothing is ready.
func (q *Queue) Register(t Transport) {
	q.mu.Lock()
	q.transport = t
	q.scheduleLocked()
	q.mu.Unlock()
}

// Enqueue schedules payload for the given targets. If an item with the same
// key is pending, its targets are widened instead.
func (q *Queue) Enqueue(payload string, targets Targets) {
	targets &= Both
	if payload == "" || targets == 0 {
		return
	}
	key := payload

	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.pending[key]; ok {
		it.Targets |= targets
		merged.Inc()
		q.scheduleLocked()
		return
	}

	it := &Item{Msg: payload, Key: key, Targets: targets}
	q.items = append(q.items, it)
	q.pending[key] = it
	queueLength.Set(float64(len(q.items)))
	q.scheduleLocked()
}

// NoteReceived drops the pending item for payload, typically because the
// content arrived through another channel.
func (q *Queue) NoteReceived(payload string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(payload)
}

func (q *Queue) removeLocked(key string) {
	it, ok := q.pending[key]
	if !ok {
		return
	}
	delete(q.pending, key)
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	queueLength.Set(float64(len(q.items)))
}

// Len returns the number of pending items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the pending item for key
func (q *Queue) Pending(key string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.pending[key]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Stop cancels the drain timer. Pending items are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) scheduleLocked() {
	if q.stopped || q.timer != nil || len(q.items) == 0 {
		return
	}
	q.timer = q.clock.AfterFunc(q.tick, q.onTimer)
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()

	q.Tick()

	q.mu.Lock()
	q.scheduleLocked()
	q.mu.Unlock()
}

// Tick runs one drain step. It returns the number of items dispatched to.
// A tick that overlaps a running one does nothing.
func (q *Queue) Tick() int {
	if !q.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	t := q.transport
	snapshot := make([]*Item, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	if t == nil {
		return 0
	}

	handled := 0
	for _, it := range snapshot {
		if handled >= q.maxPerTick {
			break
		}

		q.mu.Lock()
		if q.pending[it.Key] != it {
			q.mu.Unlock()
			continue
		}
		remaining := it.remaining()
		q.mu.Unlock()

		var ready Targets
		if remaining&Socket != 0 && t.HasSocketReady() {
			ready |= Socket
		}
		if remaining&Swarm != 0 && t.HasSwarmReady() {
			ready |= Swarm
		}
		if ready == 0 {
			continue
		}

		// an attempt counts against the budget even when every send fails,
		// so a broken socket costs at most maxPerTick sends per tick
		sent := q.dispatch(t, it.Msg, ready)
		handled++

		q.mu.Lock()
		if q.pending[it.Key] == it {
			it.Sent |= sent
			done := it.remaining() == 0
			if done {
				q.removeLocked(it.Key)
			}
			q.logger.LogDispatch(it.Key, sent&Socket != 0, sent&Swarm != 0, done)
		}
		q.mu.Unlock()
	}
	if handled > 0 && q.logger.IsDebugEnabled() {
		q.logger.Debug("drain tick", "handled", handled, "pending", q.Len())
	}
	return handled
}

// dispatch sends msg to every ready target and reports which sends succeeded.
// A failed send leaves that target pending for a later tick.
func (q *Queue) dispatch(t Transport, msg string, ready Targets) Targets {
	var sent Targets
	if ready&Socket != 0 {
		if err := t.SendSocket(msg); err != nil {
			sendErrors.WithLabelValues("socket").Inc()
			q.logger.Warn("socket send failed", "error", err)
		} else {
			sent |= Socket
			dispatched.WithLabelValues("socket").Inc()
		}
	}
	if ready&Swarm != 0 {
		if err := t.SendSwarm(msg); err != nil {
			sendErrors.WithLabelValues("swarm").Inc()
			q.logger.Warn("swarm send failed", "error", err)
		} else {
			sent |= Swarm
			dispatched.WithLabelValues("swarm").Inc()
		}
	}
	return sent
}
