// Package broadcaster coalesces store notifications into time-boxed batches.
package broadcaster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

// TypeOrderStoreBatch is the envelope type of a flushed batch.
const TypeOrderStoreBatch = "order_store_batch"

// Batch is the envelope delivered to subscribers.
type Batch struct {
	Type           string                `json:"type"`
	Events         []domain.Notification `json:"events"`
	BatchSize      int                   `json:"batchSize"`
	Ts             int64                 `json:"ts"`
	LastEventAgeMs int64                 `json:"lastEventAgeMs"`
}

// Source is the store side: the notification queue and its overflow flag.
type Source interface {
	Notifications() <-chan domain.Notification
	TakeOverflow() bool
	LastEventAge() time.Duration
}

// Sink fans batches out to subscribers.
type Sink interface {
	DeliverBatch(ctx context.Context, b Batch)
	// DeliverSnapshot pushes a full snapshot, used after notifications were lost.
	DeliverSnapshot(ctx context.Context)
}

type Broadcaster struct {
	cfg  config.BroadcasterConfig
	src  Source
	sink Sink

	now     func() time.Time
	l       *zap.Logger
	metrics *telemetry.Metrics
}

type Option func(*Broadcaster)

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		b.now = now
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func New(cfg config.BroadcasterConfig, src Source, sink Sink, l *zap.Logger, opts ...Option) *Broadcaster {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	b := &Broadcaster{cfg: cfg, src: src, sink: sink, now: time.Now, l: l}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run is the single consumer of the notification queue.
func (b *Broadcaster) Run(ctx context.Context) error {
	in := b.src.Notifications()
	for {
		var first domain.Notification
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-in:
			if !ok {
				return nil
			}
			first = n
		}

		b.flush(ctx, b.collect(ctx, in, first))

		if b.src.TakeOverflow() {
			b.l.Warn("notifications were dropped, pushing a full snapshot")
			b.sink.DeliverSnapshot(ctx)
		}
	}
}

// collect drains the queue until debounce_window has passed since first or
// the batch is full. The window is never extended by later arrivals.
func (b *Broadcaster) collect(ctx context.Context, in <-chan domain.Notification, first domain.Notification) []domain.Notification {
	batch := []domain.Notification{first}
	timer := time.NewTimer(b.cfg.DebounceWindow)
	defer timer.Stop()

	for len(batch) < b.cfg.MaxBatchSize {
		select {
		case <-ctx.Done():
			return batch
		case <-timer.C:
			return batch
		case n, ok := <-in:
			if !ok {
				return batch
			}
			batch = append(batch, n)
		}
	}
	return batch
}

func (b *Broadcaster) flush(ctx context.Context, events []domain.Notification) {
	batch := Batch{
		Type:           TypeOrderStoreBatch,
		Events:         events,
		BatchSize:      len(events),
		Ts:             b.now().UnixMilli(),
		LastEventAgeMs: b.src.LastEventAge().Milliseconds(),
	}
	b.sink.DeliverBatch(ctx, batch)
	b.metrics.BatchFlushed(ctx, batch.BatchSize)
}
