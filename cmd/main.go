// Command ordermirror keeps a live mirror of a Binance account's open orders
// and balances and streams changes to websocket subscribers.
//
// Usage:
//
//	ordermirror --config config.yaml
//
// Required environment variables:
//
//	BINANCE_API_KEY, BINANCE_API_SECRET
//
// Optional: BINANCE_ENV (testnet|prod), ADMIN_TOKEN.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/app"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Binance.APIKey == "" {
		log.Fatal("BINANCE_API_KEY environment variable must be set")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mp, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to init telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", zap.Error(err))
		}
	}()

	a, err := app.New(ctx, cfg, logger, mp)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("ordermirror stopped with error", zap.Error(err))
		return
	}
	logger.Info("ordermirror stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
