package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/config"
)

const newOrderReport = `{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","c":"c1","S":"BUY","o":"LIMIT","f":"GTC",` +
	`"q":"0.5","p":"30000","x":"NEW","X":"NEW","i":42,"l":"0","z":"0","L":"0","T":1700000000000,"O":1700000000000,"Z":"0"}`

// fakeExchange serves the REST endpoints the app touches and a user-data
// stream that pushes one execution report per connection.
func fakeExchange(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"listenKey":"lk-1"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v3/openOrders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"100","locked":"0"}]}`))
	})
	mux.HandleFunc("/ws/lk-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(newOrderReport)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) config.Config {
	cfg := config.Default()
	cfg.Binance.RESTURL = srv.URL
	cfg.Binance.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Binance.APIKey = "key"
	cfg.Binance.APISecret = "secret"
	cfg.Web.Addr = "127.0.0.1:0"
	cfg.Storage.Driver = "none"
	return cfg
}

func TestApp_MirrorsStreamedOrder(t *testing.T) {
	srv := fakeExchange(t)
	cfg := testConfig(srv)
	cfg.Storage.Driver = "bolt"
	cfg.Storage.BoltPath = filepath.Join(t.TempDir(), "history", "orders.db")
	cfg.Journal.Enabled = true
	cfg.Journal.Dir = filepath.Join(t.TempDir(), "journal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, zap.NewNop(), noop.NewMeterProvider())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(a.store.OpenOrders()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	order := a.store.OpenOrders()[0]
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, "BTCUSDT", order.Symbol)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApp_SkipsUnreachableSessionCache(t *testing.T) {
	srv := fakeExchange(t)
	cfg := testConfig(srv)
	cfg.Session.RedisAddr = "127.0.0.1:1"

	a, err := New(context.Background(), cfg, zap.NewNop(), noop.NewMeterProvider())
	require.NoError(t, err)
	assert.Empty(t, a.closers)
	a.Close()
}

func TestApp_BoltPathMustBeWritable(t *testing.T) {
	srv := fakeExchange(t)
	cfg := testConfig(srv)
	cfg.Storage.Driver = "bolt"
	// a regular file in place of the parent directory
	dir := t.TempDir()
	cfg.Storage.BoltPath = filepath.Join(dir, "blocker", "x", "orders.db")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocker"), []byte("x"), 0o600))

	_, err := New(context.Background(), cfg, zap.NewNop(), noop.NewMeterProvider())
	require.Error(t, err)
}
