package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/wiredove/wiredove/internal/ops"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Socket keeps a websocket connection to a relay server open, reconnecting
// with exponential backoff until its context is cancelled.
type Socket struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	logger  *ops.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// SocketOpt configures a Socket
type SocketOpt func(*Socket)

// WithSocketClock sets the clock used for reconnect delays
func WithSocketClock(clock clockwork.Clock) SocketOpt {
	return func(s *Socket) {
		s.clock = clock
	}
}

// WithSocketLogger sets the logger
func WithSocketLogger(logger *ops.Logger) SocketOpt {
	return func(s *Socket) {
		s.logger = logger.WithComponent("socket")
	}
}

// WithReconnect bounds the reconnect backoff
func WithReconnect(min, max time.Duration) SocketOpt {
	return func(s *Socket) {
		s.reconnectMin = min
		s.reconnectMax = max
	}
}

// NewSocket creates a socket for url. Nothing is dialed until Run.
func NewSocket(url string, handler Handler, opts ...SocketOpt) *Socket {
	s := &Socket{
		url:          url,
		handler:      handler,
		dialer:       websocket.DefaultDialer,
		clock:        clockwork.NewRealClock(),
		logger:       ops.Default().WithComponent("socket"),
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run dials and serves the connection until ctx is done
func (s *Socket) Run(ctx context.Context) {
	delay := s.reconnectMin
	for {
		conn, err := s.dial(ctx)
		if err == nil {
			delay = s.reconnectMin
			s.serve(ctx, conn)
		} else {
			s.logger.Debug("socket dial failed", "url", s.url, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		delay *= 2
		if delay > s.reconnectMax {
			delay = s.reconnectMax
		}
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, res, err := s.dialer.DialContext(ctx, s.url, http.Header{})
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", s.url, err, res.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", s.url, err)
	}
	return conn, nil
}

// serve reads until the connection breaks or ctx is done
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("socket connected", "url", s.url)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("socket closed", "url", s.url, "error", err)
			}
			return
		}
		messages.WithLabelValues("socket", "in").Inc()
		if s.handler == nil {
			continue
		}
		if reply := handle(ctx, s.handler, data, s.logger); reply != nil {
			if err := s.Send(string(reply)); err != nil {
				s.logger.Debug("socket reply failed", "error", err)
			}
		}
	}
}

// Send writes payload as a text frame
func (s *Socket) Send(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotReady
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("writing to socket: %w", err)
	}
	messages.WithLabelValues("socket", "out").Inc()
	return nil
}

// Ready reports whether a connection is open
func (s *Socket) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
