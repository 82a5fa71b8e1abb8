// Package transport carries queued payloads to the network: a websocket
// connection to a relay server and a libp2p gossip swarm.
package transport

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/wiredove/wiredove/internal/metrics"
	"github.com/wiredove/wiredove/internal/ops"
)

// ErrNotReady is returned by Send when the endpoint has no live connection
var ErrNotReady = errors.New("transport not ready")

// Handler receives an inbound payload. A non-nil return value is sent back
// on the endpoint the payload arrived on.
type Handler func(ctx context.Context, payload []byte) []byte

// handle runs h on one inbound payload. A panicking handler drops the
// payload and the read loop carries on.
func handle(ctx context.Context, h Handler, payload []byte, logger *ops.Logger) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, string(debug.Stack()))
			reply = nil
		}
	}()
	return h(ctx, payload)
}

// Endpoint is one side of a Pair
type Endpoint interface {
	Send(payload string) error
	Ready() bool
}

// Pair adapts a socket and a swarm endpoint to netqueue.Transport. Either
// side may be nil, in which case it never reports ready.
type Pair struct {
	Socket Endpoint
	Swarm  Endpoint
}

// SendSocket implements netqueue.Transport
func (p *Pair) SendSocket(payload string) error {
	return send(p.Socket, payload)
}

// HasSocketReady implements netqueue.Transport
func (p *Pair) HasSocketReady() bool {
	return ready(p.Socket)
}

// SendSwarm implements netqueue.Transport
func (p *Pair) SendSwarm(payload string) error {
	return send(p.Swarm, payload)
}

// HasSwarmReady implements netqueue.Transport
func (p *Pair) HasSwarmReady() bool {
	return ready(p.Swarm)
}

func send(e Endpoint, payload string) error {
	if e == nil {
		return ErrNotReady
	}
	return e.Send(payload)
}

func ready(e Endpoint) bool {
	return e != nil && e.Ready()
}

var messages = metrics.NewCounter(
	"messages",
	"transport",
	"payloads moved over a transport",
	[]string{"transport", "direction"})
