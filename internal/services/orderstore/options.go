package orderstore

import (
	"time"

	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

const (
	defaultHistoryCapacity       = 200
	defaultNotificationQueueSize = 4096
	defaultPersistQueueSize      = 1024
)

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the wall clock used for event ages and history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithHistoryCapacity sets the in-memory history ring size.
func WithHistoryCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// WithNotificationQueueSize bounds the notification queue.
func WithNotificationQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.notifications = make(chan domain.Notification, n)
		}
	}
}

// WithPersistQueueSize bounds the queue of finalized orders awaiting durable writes.
func WithPersistQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.persist = make(chan domain.HistoryEntry, n)
		}
	}
}

// WithHistoryWriters registers durable sinks for finalized orders.
func WithHistoryWriters(writers ...HistoryWriter) Option {
	return func(s *Store) {
		for _, w := range writers {
			if w != nil {
				s.writers = append(s.writers, w)
			}
		}
	}
}

// WithMetrics attaches instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}
