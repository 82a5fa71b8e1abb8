package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/ops"
)

const (
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// Swarm gossips payloads on a single pubsub topic
type Swarm struct {
	host    host.Host
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler Handler
	logger  *ops.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSwarm starts a libp2p host, joins the configured topic and dials the
// bootstrap peers in the background.
func NewSwarm(ctx context.Context, cfg config.Swarm, handler Handler, logger *ops.Logger) (*Swarm, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Listen))
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	gossip, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("starting gossipsub: %w", err)
	}
	topic, err := gossip.Join(cfg.Topic)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("joining topic %s: %w", cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = topic.Close()
		_ = h.Close()
		return nil, fmt.Errorf("subscribing to topic %s: %w", cfg.Topic, err)
	}

	s := &Swarm{
		host:    h,
		topic:   topic,
		sub:     sub,
		handler: handler,
		logger:  logger.WithComponent("swarm").WithFields("topic", cfg.Topic),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.logger.Info("swarm started", "peer_id", h.ID().String())

	go s.readLoop()
	go s.bootstrap(cfg.Bootstrap)
	return s, nil
}

func (s *Swarm) bootstrap(addrs []string) {
	for _, addr := range addrs {
		if err := s.Connect(s.ctx, addr); err != nil {
			s.logger.Warn("bootstrap peer unreachable", "addr", addr, "error", err)
		}
	}
}

// Connect dials a peer given as a /p2p multiaddr
func (s *Swarm) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("parsing multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("reading peer info: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	s.logger.Debug("peer connected", "peer_id", info.ID.String())
	return nil
}

func (s *Swarm) readLoop() {
	defer close(s.done)
	self := s.host.ID()
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && s.ctx.Err() == nil {
				s.logger.Warn("swarm subscription ended", "error", err)
			}
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		messages.WithLabelValues("swarm", "in").Inc()
		if s.handler == nil {
			continue
		}
		if reply := handle(s.ctx, s.handler, msg.Data, s.logger); reply != nil {
			if err := s.Send(string(reply)); err != nil {
				s.logger.Debug("swarm reply failed", "error", err)
			}
		}
	}
}

// Send publishes payload on the topic
func (s *Swarm) Send(payload string) error {
	if !s.Ready() {
		return ErrNotReady
	}
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.topic.Publish(ctx, []byte(payload)); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	messages.WithLabelValues("swarm", "out").Inc()
	return nil
}

// Ready reports whether any peer shares the topic
func (s *Swarm) Ready() bool {
	return s.ctx.Err() == nil && len(s.topic.ListPeers()) > 0
}

// Addrs returns the dialable addresses of this node
func (s *Swarm) Addrs() []string {
	var out []string
	for _, a := range s.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, s.host.ID()))
	}
	return out
}

// Close leaves the topic and shuts the host down
func (s *Swarm) Close() error {
	s.cancel()
	s.sub.Cancel()
	<-s.done
	return errors.Join(s.topic.Close(), s.host.Close())
}
