// Package listener keeps the Binance user data stream connected and feeds raw
// messages into a bounded queue.
package listener

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/services/normalizer"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

// State of the stream connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateStopped      State = "STOPPED"
)

const closeSessionTimeout = 5 * time.Second

// ErrListenKeyExpired is returned by the read loop when the exchange announces
// the end of the current listen key.
var ErrListenKeyExpired = errors.New("listen key expired")

var expiredTag = []byte(`"` + normalizer.TypeListenKeyExpire + `"`)

// SessionGateway issues and maintains listen keys.
type SessionGateway interface {
	StartSession(ctx context.Context) (string, error)
	KeepaliveSession(ctx context.Context, token string) error
	CloseSession(ctx context.Context, token string) error
}

// SessionCache persists the listen key across restarts.
type SessionCache interface {
	Load(ctx context.Context) (*domain.Session, error)
	Save(ctx context.Context, s domain.Session) error
	Delete(ctx context.Context) error
}

// Listener owns the session handle. The connect loop and the keepalive loop
// both go through mu to read or replace it.
type Listener struct {
	cfg       config.ListenerConfig
	streamURL string
	gw        SessionGateway
	dialer    Dialer
	cache     SessionCache

	mu        sync.Mutex
	state     State
	session   *domain.Session
	conn      Conn
	suspended bool
	wake      chan struct{}

	queue chan []byte

	reconnects      atomic.Int64
	keepaliveErrors atomic.Int64
	dropped         atomic.Int64

	now     func() time.Time
	l       *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Listener.
type Option func(*Listener)

// WithDialer replaces the websocket transport.
func WithDialer(d Dialer) Option {
	return func(l *Listener) {
		l.dialer = d
	}
}

// WithSessionCache enables listen key reuse across restarts.
func WithSessionCache(c SessionCache) Option {
	return func(l *Listener) {
		l.cache = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		l.now = now
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// New creates a Listener for the stream base URL (for example wss://stream.binance.com:9443/ws).
func New(cfg config.ListenerConfig, streamURL string, gw SessionGateway, l *zap.Logger, opts ...Option) *Listener {
	if l == nil {
		l = zap.NewNop()
	}
	ln := &Listener{
		cfg:       cfg,
		streamURL: streamURL,
		gw:        gw,
		dialer:    GorillaDialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:     StateDisconnected,
		wake:      make(chan struct{}, 1),
		queue:     make(chan []byte, cfg.QueueSize),
		now:       time.Now,
		l:         l,
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Events is the consumer side of the raw event queue.
func (l *Listener) Events() <-chan []byte {
	return l.queue
}

// Offer enqueues payload without blocking. A full queue drops the payload.
func (l *Listener) Offer(payload []byte) bool {
	select {
	case l.queue <- payload:
		l.metrics.EventReceived(context.Background())
		return true
	default:
		n := l.dropped.Add(1)
		l.metrics.EventDropped(context.Background())
		l.l.Warn("event queue is full, dropping event", zap.Int64("dropped_total", n))
		return false
	}
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run connects, reads and reconnects until ctx is cancelled. It never returns
// an error for upstream failures.
func (l *Listener) Run(ctx context.Context) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     l.cfg.BackoffFloor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         l.cfg.BackoffCeiling,
	}
	bo.Reset()
	defer l.stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if l.isSuspended() {
			l.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return nil
			case <-l.wake:
			}
			continue
		}

		l.setState(StateConnecting)
		token, err := l.acquireSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.l.Warn("failed to obtain listen key", zap.Error(err))
			l.setState(StateDisconnected)
			if !sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		conn, err := l.dialer.Dial(ctx, l.streamURL+"/"+token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.l.Warn("failed to connect to user data stream", zap.Error(err))
			l.discardSession(ctx, token)
			l.setState(StateDisconnected)
			if !sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		if !l.attach(conn, token) {
			_ = conn.Close()
			continue
		}
		bo.Reset()
		l.l.Info("user data stream connected")

		err = l.readLoop(ctx, conn)
		l.detach(conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if l.isSuspended() {
			continue
		}

		l.reconnects.Add(1)
		l.metrics.Reconnect(ctx)
		l.l.Warn("user data stream disconnected", zap.Error(err))
		l.discardSession(ctx, token)
		l.setState(StateDisconnected)
		if !sleep(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

func (l *Listener) readLoop(ctx context.Context, conn Conn) error {
	for {
		payload, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if bytes.Contains(payload, expiredTag) && normalizer.EventType(payload) == normalizer.TypeListenKeyExpire {
			return ErrListenKeyExpired
		}
		l.Offer(payload)
	}
}

// attach publishes conn as the live connection unless the session it was
// dialed with has been replaced or suspended in the meantime.
func (l *Listener) attach(conn Conn, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suspended || l.session == nil || l.session.Token != token {
		return false
	}
	l.conn = conn
	l.state = StateConnected
	return true
}

func (l *Listener) detach(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		l.state = s
	}
}

func (l *Listener) isSuspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspended
}

// stop closes the held session at the exchange. ctx is already done here, so
// the close gets its own deadline.
func (l *Listener) stop() {
	l.mu.Lock()
	l.state = StateStopped
	session := l.session
	l.session = nil
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !session.Valid() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeSessionTimeout)
	defer cancel()
	if err := l.gw.CloseSession(ctx, session.Token); err != nil {
		l.l.Warn("failed to close listen key on shutdown", zap.Error(err))
	}
	l.deleteCached(ctx)
	l.l.Info("user data stream stopped")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
