package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments shared by the pipeline components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsReceived       metric.Int64Counter
	eventsDropped        metric.Int64Counter
	eventsApplied        metric.Int64Counter
	eventsMalformed      metric.Int64Counter
	notificationsDropped metric.Int64Counter
	historyWriteFailures metric.Int64Counter
	batchesFlushed       metric.Int64Counter
	batchSize            metric.Int64Histogram
	fallbacks            metric.Int64Counter
	reconnects           metric.Int64Counter
	keepaliveErrors      metric.Int64Counter
	subscribers          metric.Int64UpDownCounter
	subscribersRejected  metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.eventsReceived, "ordermirror_stream_events_received_total", "Raw messages read from the private stream"},
		{&m.eventsDropped, "ordermirror_stream_events_dropped_total", "Raw messages dropped on a full queue"},
		{&m.eventsApplied, "ordermirror_store_events_applied_total", "Normalized events applied to the store"},
		{&m.eventsMalformed, "ordermirror_store_events_malformed_total", "Events carrying malformed fields"},
		{&m.notificationsDropped, "ordermirror_store_notifications_dropped_total", "Notifications dropped on a full queue"},
		{&m.historyWriteFailures, "ordermirror_history_write_failures_total", "Failed durable history writes"},
		{&m.batchesFlushed, "ordermirror_broadcast_batches_total", "Batches flushed to subscribers"},
		{&m.fallbacks, "ordermirror_watchdog_fallbacks_total", "REST reconciliations run by the watchdog"},
		{&m.reconnects, "ordermirror_stream_reconnects_total", "Private stream reconnect attempts"},
		{&m.keepaliveErrors, "ordermirror_stream_keepalive_errors_total", "Failed listen key keepalives"},
		{&m.subscribersRejected, "ordermirror_channel_rejected_total", "Subscriber connections rejected by the cap"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if m.batchSize, err = meter.Int64Histogram("ordermirror_broadcast_batch_size",
		metric.WithDescription("Notifications per flushed batch")); err != nil {
		return nil, err
	}
	if m.subscribers, err = meter.Int64UpDownCounter("ordermirror_channel_connections",
		metric.WithDescription("Connected subscriber channels")); err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns metrics backed by the no-op meter.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("ordermirror"))
	return m
}

func (m *Metrics) EventReceived(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsReceived.Add(ctx, 1)
}

func (m *Metrics) EventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
}

func (m *Metrics) EventApplied(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.eventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *Metrics) EventMalformed(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.eventsMalformed.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *Metrics) NotificationDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.notificationsDropped.Add(ctx, 1)
}

func (m *Metrics) HistoryWriteFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.historyWriteFailures.Add(ctx, 1)
}

func (m *Metrics) BatchFlushed(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.batchesFlushed.Add(ctx, 1)
	m.batchSize.Record(ctx, int64(size))
}

func (m *Metrics) FallbackRun(ctx context.Context, partial bool) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("partial", partial)))
}

func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) KeepaliveFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.keepaliveErrors.Add(ctx, 1)
}

func (m *Metrics) SubscriberConnected(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *Metrics) SubscriberDisconnected(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *Metrics) SubscriberRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribersRejected.Add(ctx, 1)
}
