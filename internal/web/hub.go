package web

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/services/broadcaster"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

// Channel names a subscriber set.
type Channel string

const (
	// ChannelOrders is the dedicated order-store channel.
	ChannelOrders Channel = "orders"
	// ChannelUser is the legacy user-data channel, served only while no
	// dedicated subscriber is connected.
	ChannelUser Channel = "user"
)

var ErrCapacity = errors.New("subscriber capacity reached")

// Snapshotter provides the full state pushed to subscribers.
type Snapshotter interface {
	Snapshot(historyLimit int) domain.StoreSnapshot
}

// Hub tracks subscriber connections and delivers to them.
type Hub struct {
	cfg   config.ChannelsConfig
	store Snapshotter

	mu   sync.RWMutex
	sets map[Channel]map[string]*client

	now     func() time.Time
	l       *zap.Logger
	metrics *telemetry.Metrics
}

type HubOption func(*Hub)

func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

func WithHubMetrics(m *telemetry.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

func NewHub(cfg config.ChannelsConfig, store Snapshotter, l *zap.Logger, opts ...HubOption) *Hub {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.DeliveryWorkers <= 0 {
		cfg.DeliveryWorkers = 1
	}
	h := &Hub{
		cfg:   cfg,
		store: store,
		sets: map[Channel]map[string]*client{
			ChannelOrders: {},
			ChannelUser:   {},
		},
		now: time.Now,
		l:   l,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	id      string
	channel Channel
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
	timeout time.Duration
}

func (c *client) write(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, payload)
}

func (c *client) writeLocked(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// newClient creates a client with its write lock held, so nothing can be
// delivered to it before the caller sent the initial messages.
func (h *Hub) newClient(channel Channel, conn *websocket.Conn) *client {
	c := &client{
		id:      uuid.NewString(),
		channel: channel,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Every(h.cfg.ResnapshotInterval), 1),
		timeout: h.cfg.WriteTimeout,
	}
	c.writeMu.Lock()
	return c
}

// add registers c unless the cap over both sets is reached.
func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.countLocked() >= h.cfg.MaxConnections {
		return ErrCapacity
	}
	h.sets[c.channel][c.id] = c
	return nil
}

// remove unregisters c and reports whether it was registered.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sets[c.channel][c.id]; !ok {
		return false
	}
	delete(h.sets[c.channel], c.id)
	return true
}

// drop unregisters c and closes its connection.
func (h *Hub) drop(c *client, reason error) {
	if !h.remove(c) {
		return
	}
	h.metrics.SubscriberDisconnected(context.Background(), string(c.channel))
	if reason != nil {
		h.l.Warn("dropping subscriber", zap.String("id", c.id),
			zap.String("channel", string(c.channel)), zap.Error(reason))
		_ = c.conn.CloseNow()
		return
	}
	h.l.Debug("subscriber disconnected", zap.String("id", c.id), zap.String("channel", string(c.channel)))
}

// Count returns the connections over both sets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// CountChannel returns the connections of one set.
func (h *Hub) CountChannel(channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sets[channel])
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.sets {
		n += len(set)
	}
	return n
}

// targets is the dedicated set when it has members, the legacy set otherwise.
func (h *Hub) targets() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sets[ChannelOrders]
	if len(set) == 0 {
		set = h.sets[ChannelUser]
	}
	return collect(set)
}

func (h *Hub) all() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := collect(h.sets[ChannelOrders])
	return append(out, collect(h.sets[ChannelUser])...)
}

func collect(set map[string]*client) []*client {
	out := make([]*client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// DeliverBatch sends one batch envelope to exactly one subscriber set.
func (h *Hub) DeliverBatch(ctx context.Context, b broadcaster.Batch) {
	h.send(ctx, h.targets(), b)
}

// DeliverSnapshot pushes a live full snapshot to the delivery targets.
func (h *Hub) DeliverSnapshot(ctx context.Context) {
	h.send(ctx, h.targets(), h.snapshotMessage())
}

// BroadcastSnapshot pushes a full snapshot marked with its origin.
func (h *Hub) BroadcastSnapshot(ctx context.Context, fallback bool, stats *domain.MergeStats, partial bool) {
	msg := h.snapshotMessage()
	msg.Fallback = fallback
	msg.MergeStats = stats
	msg.Partial = partial
	h.send(ctx, h.targets(), msg)
}

// BroadcastSystem sends a system notice to the delivery targets.
func (h *Hub) BroadcastSystem(ctx context.Context, level, message string) {
	h.send(ctx, h.targets(), systemMessage{Type: TypeSystem, Level: level, Message: message, Ts: h.now().UnixMilli()})
}

// RunHeartbeat pings every connection on both sets each heartbeat interval.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.send(ctx, h.all(), heartbeatMessage{Type: TypePing, Ts: h.now().UnixMilli()})
		}
	}
}

// Close disconnects every subscriber. Close handshakes run in parallel.
func (h *Hub) Close() {
	p := pool.New()
	for _, c := range h.all() {
		if !h.remove(c) {
			continue
		}
		h.metrics.SubscriberDisconnected(context.Background(), string(c.channel))
		c := c
		p.Go(func() {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		})
	}
	p.Wait()
}

func (h *Hub) snapshotMessage() snapshotMessage {
	return newSnapshotMessage(h.store.Snapshot(h.cfg.SnapshotHistoryLimit), h.now().UnixMilli())
}

// send encodes msg once and writes it to every client in parallel. A failed
// write drops that client only.
func (h *Hub) send(ctx context.Context, clients []*client, msg any) {
	if len(clients) == 0 {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.l.Error("failed to encode subscriber message", zap.Error(err))
		return
	}

	workers := h.cfg.DeliveryWorkers
	if workers > len(clients) {
		workers = len(clients)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, c := range clients {
		c := c
		p.Go(func() {
			if err := c.write(ctx, payload); err != nil {
				h.drop(c, errors.Wrap(err, "write"))
			}
		})
	}
	p.Wait()
}
