// Package app wires the order mirror components and runs their loops.
package app

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/clients"
	"github.com/vadiminshakov/ordermirror/internal/services/broadcaster"
	"github.com/vadiminshakov/ordermirror/internal/services/gateway"
	"github.com/vadiminshakov/ordermirror/internal/services/ingest"
	"github.com/vadiminshakov/ordermirror/internal/services/listener"
	"github.com/vadiminshakov/ordermirror/internal/services/orderstore"
	"github.com/vadiminshakov/ordermirror/internal/services/watchdog"
	"github.com/vadiminshakov/ordermirror/internal/storage/eventjournal"
	"github.com/vadiminshakov/ordermirror/internal/storage/historyrelay"
	"github.com/vadiminshakov/ordermirror/internal/storage/orderhistory"
	"github.com/vadiminshakov/ordermirror/internal/storage/postgres"
	"github.com/vadiminshakov/ordermirror/internal/storage/postgres/migrations"
	"github.com/vadiminshakov/ordermirror/internal/storage/sessioncache"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
	"github.com/vadiminshakov/ordermirror/internal/web"
)

const meterName = "github.com/vadiminshakov/ordermirror"

type closer struct {
	name  string
	close func() error
}

// App owns every component. Nothing is shared through package state.
type App struct {
	cfg config.Config
	l   *zap.Logger

	store       *orderstore.Store
	listener    *listener.Listener
	pipeline    *ingest.Pipeline
	watchdog    *watchdog.Watchdog
	broadcaster *broadcaster.Broadcaster
	hub         *web.Hub
	server      *web.Server

	closers []closer
}

// New builds the application. Optional integrations (redis, kafka) that fail
// to connect are logged and skipped; the durable history store is required
// when configured.
func New(ctx context.Context, cfg config.Config, l *zap.Logger, mp metric.MeterProvider) (*App, error) {
	a := &App{cfg: cfg, l: l}

	metrics, err := telemetry.NewMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metrics")
	}

	pager, writers, err := a.openHistory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(cfg.Relay.KafkaBrokers) > 0 {
		relay := historyrelay.NewKafkaRelay(cfg.Relay.KafkaBrokers, cfg.Relay.Topic, l)
		a.addCloser("kafka relay", relay.Close)
		writers = append(writers, relay)
	}

	a.store = orderstore.New(l.Named("store"),
		orderstore.WithHistoryCapacity(cfg.Store.HistoryCapacity),
		orderstore.WithNotificationQueueSize(cfg.Store.NotificationQueueSize),
		orderstore.WithPersistQueueSize(cfg.Store.PersistQueueSize),
		orderstore.WithHistoryWriters(writers...),
		orderstore.WithMetrics(metrics),
	)

	client := clients.NewBinanceClient(cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.RESTURL, l)
	gw := gateway.NewBinanceGateway(client, l.Named("gateway"))

	listenerOpts := []listener.Option{listener.WithMetrics(metrics)}
	if cache := a.openSessionCache(ctx); cache != nil {
		listenerOpts = append(listenerOpts, listener.WithSessionCache(cache))
	}
	a.listener = listener.New(cfg.Listener, cfg.Binance.StreamURL, gw, l.Named("listener"), listenerOpts...)

	var ingestOpts []ingest.Option
	if cfg.Journal.Enabled {
		journal, err := a.openJournal()
		if err != nil {
			a.Close()
			return nil, err
		}
		ingestOpts = append(ingestOpts, ingest.WithJournal(journal))
	}
	a.pipeline = ingest.New(a.listener.Events(), a.store, l.Named("ingest"), ingestOpts...)

	a.hub = web.NewHub(cfg.Channels, a.store, l.Named("hub"), web.WithHubMetrics(metrics))
	a.watchdog = watchdog.New(cfg.Watchdog, gw, a.store, a.hub, l.Named("watchdog"), watchdog.WithMetrics(metrics))
	a.broadcaster = broadcaster.New(cfg.Broadcaster, a.store, a.hub, l.Named("broadcaster"), broadcaster.WithMetrics(metrics))
	a.server = web.NewServer(cfg.Web, a.hub, a.store, pager, a.listener, l.Named("web"))

	return a, nil
}

// Run starts every loop and blocks until ctx is cancelled or one loop fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.cfg.Journal.Enabled && a.cfg.Journal.ReplayOnStart {
		if _, err := a.pipeline.Replay(0); err != nil {
			a.l.Warn("failed to replay event journal", zap.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.listener.Run(ctx) })
	g.Go(func() error { return a.listener.RunKeepalive(ctx) })
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.store.RunPersister(ctx) })
	g.Go(func() error { return a.watchdog.Run(ctx) })
	g.Go(func() error { return a.broadcaster.Run(ctx) })
	g.Go(func() error { return a.hub.RunHeartbeat(ctx) })
	g.Go(func() error {
		if len(a.cfg.Web.AutoTLSDomains) > 0 {
			return a.server.StartWithAutoTLS(ctx)
		}
		return a.server.Start(ctx)
	})

	a.l.Info("ordermirror started",
		zap.String("addr", a.cfg.Web.Addr),
		zap.String("stream", a.cfg.Binance.StreamURL),
		zap.String("storage", a.cfg.Storage.Driver))

	return g.Wait()
}

// Close releases stores in reverse order of opening. It is safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.l.Warn("failed to close "+c.name, zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) openHistory(ctx context.Context) (web.HistoryPager, []orderstore.HistoryWriter, error) {
	switch a.cfg.Storage.Driver {
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(a.cfg.Storage.BoltPath), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create history directory")
		}
		store, err := orderhistory.NewBoltStore(a.cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open bolt history store")
		}
		a.addCloser("bolt history store", store.Close)
		return store, []orderstore.HistoryWriter{store}, nil

	case "postgres":
		if err := migrations.Apply(ctx, a.cfg.Storage.PostgresDSN, a.l); err != nil {
			return nil, nil, errors.Wrap(err, "failed to migrate postgres")
		}
		store, err := postgres.Open(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open postgres history store")
		}
		a.addCloser("postgres history store", store.Close)
		return store, []orderstore.HistoryWriter{store}, nil

	default:
		a.l.Warn("durable order history disabled, serving history from memory")
		return nil, nil, nil
	}
}

func (a *App) openSessionCache(ctx context.Context) *sessioncache.RedisCache {
	s := a.cfg.Session
	if s.RedisAddr == "" {
		return nil
	}
	rdb, err := sessioncache.Dial(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
	if err != nil {
		a.l.Warn("listen key cache unavailable", zap.Error(err))
		return nil
	}
	cache := sessioncache.NewRedisCache(rdb, s.Account, a.cfg.Listener.SessionTTL)
	a.addCloser("redis session cache", cache.Close)
	return cache
}

func (a *App) openJournal() (*eventjournal.WALStore, error) {
	if err := os.MkdirAll(a.cfg.Journal.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create journal directory")
	}
	journal, err := eventjournal.NewWALStore(a.cfg.Journal.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event journal")
	}
	a.addCloser("event journal", journal.Close)
	return journal, nil
}
