// Package watchdog reconciles the store from REST when the user data stream
// goes quiet.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

const (
	fetchTimeout = 10 * time.Second

	LevelWarn = "warn"
)

// Gateway supplies the REST snapshot.
type Gateway interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	GetAccount(ctx context.Context) ([]domain.Balance, error)
}

// Store is the reconciliation target.
type Store interface {
	LastEventAt() time.Time
	MergeRESTSnapshot(snap domain.RESTSnapshot) domain.MergeStats
}

// Publisher delivers fallback notices to subscribers.
type Publisher interface {
	BroadcastSystem(ctx context.Context, level, message string)
	BroadcastSnapshot(ctx context.Context, fallback bool, stats *domain.MergeStats, partial bool)
}

type Watchdog struct {
	cfg   config.WatchdogConfig
	gw    Gateway
	store Store
	pub   Publisher

	mu           sync.Mutex
	startedAt    time.Time
	lastFallback time.Time

	now     func() time.Time
	l       *zap.Logger
	metrics *telemetry.Metrics
}

type Option func(*Watchdog)

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Watchdog) {
		w.metrics = m
	}
}

func New(cfg config.WatchdogConfig, gw Gateway, store Store, pub Publisher, l *zap.Logger, opts ...Option) *Watchdog {
	if l == nil {
		l = zap.NewNop()
	}
	w := &Watchdog{cfg: cfg, gw: gw, store: store, pub: pub, now: time.Now, l: l}
	for _, opt := range opts {
		opt(w)
	}
	w.startedAt = w.now()
	return w
}

// Run calls Check every poll interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx, w.now())
		}
	}
}

// Check runs a fallback when the last event is at least stale_threshold old and
// no fallback ran within the last stale_threshold. It reports whether one ran.
func (w *Watchdog) Check(ctx context.Context, now time.Time) bool {
	threshold := w.cfg.StaleThreshold

	w.mu.Lock()
	since := w.store.LastEventAt()
	if since.IsZero() {
		since = w.startedAt
	}
	age := now.Sub(since)
	if age < threshold || (!w.lastFallback.IsZero() && now.Sub(w.lastFallback) < threshold) {
		w.mu.Unlock()
		return false
	}
	w.lastFallback = now
	w.mu.Unlock()

	w.l.Warn("user data stream is stale, pulling REST snapshot", zap.Duration("age", age))

	snap := w.fetch(ctx)
	stats := w.store.MergeRESTSnapshot(snap)
	partial := snap.Partial()
	w.metrics.FallbackRun(ctx, partial)

	msg := fmt.Sprintf("no account events for %ds, state reconciled from REST (added %d, removed %d, placeholders %d)",
		int64(age/time.Second), stats.Added, stats.Removed, stats.Placeholders)
	if partial {
		msg += ", snapshot is partial"
	}
	w.pub.BroadcastSystem(ctx, LevelWarn, msg)
	w.pub.BroadcastSnapshot(ctx, true, &stats, partial)

	w.l.Info("fallback reconciliation done",
		zap.Int("added", stats.Added),
		zap.Int("removed", stats.Removed),
		zap.Int("placeholders", stats.Placeholders),
		zap.Bool("partial", partial))
	return true
}

// fetch pulls orders and balances independently; either may fail alone.
func (w *Watchdog) fetch(ctx context.Context) domain.RESTSnapshot {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	snap := domain.RESTSnapshot{Symbol: strings.ToUpper(w.cfg.Symbol)}
	var wg conc.WaitGroup
	wg.Go(func() {
		orders, err := w.gw.GetOpenOrders(ctx, snap.Symbol)
		if err != nil {
			w.l.Warn("fallback open orders fetch failed", zap.Error(err))
			return
		}
		snap.OpenOrders, snap.OrdersOK = orders, true
	})
	wg.Go(func() {
		balances, err := w.gw.GetAccount(ctx)
		if err != nil {
			w.l.Warn("fallback balances fetch failed", zap.Error(err))
			return
		}
		snap.Balances, snap.BalancesOK = balances, true
	})
	wg.Wait()
	return snap
}
