package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/services/orderstore"
)

type fakeSession struct {
	suspended bool
	resumed   int
	err       error
}

func (s *fakeSession) Status() domain.SessionStatus {
	state := "CONNECTED"
	if s.suspended {
		state = "DISCONNECTED"
	}
	return domain.SessionStatus{Active: !s.suspended, State: state}
}

func (s *fakeSession) Suspend(ctx context.Context) error {
	s.suspended = true
	return s.err
}

func (s *fakeSession) Resume() {
	s.suspended = false
	s.resumed++
}

type fakePager struct {
	symbol string
	limit  int
	cursor *int64
	err    error
}

func (p *fakePager) Page(ctx context.Context, symbol string, limit int, cursor *int64) (domain.HistoryPage, error) {
	p.symbol, p.limit, p.cursor = symbol, limit, cursor
	if p.err != nil {
		return domain.HistoryPage{}, p.err
	}
	return domain.HistoryPage{}, nil
}

func newTestServer(t *testing.T, history HistoryPager, session SessionController) (*orderstore.Store, http.Handler) {
	t.Helper()
	store := orderstore.New(zap.NewNop())
	hub := NewHub(testChannelsConfig(), store, zap.NewNop())
	srv := NewServer(config.WebConfig{AdminToken: "secret"}, hub, store, history, session, zap.NewNop())
	return store, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func fill(store *orderstore.Store, id int64, symbol string) {
	store.ApplyExecutionReport(domain.ExecutionReport{
		EventTime: id, OrderID: id, Symbol: symbol, Status: domain.StatusFilled,
		CumQty:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
		CumQuote: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	})
}

func TestServer_OpenOrdersAndBalances(t *testing.T) {
	store, h := newTestServer(t, nil, nil)
	store.ApplyExecutionReport(domain.ExecutionReport{EventTime: 1, OrderID: 1, Symbol: "BTCUSDT", Status: domain.StatusNew})
	store.ApplyExecutionReport(domain.ExecutionReport{EventTime: 1, OrderID: 2, Symbol: "ETHUSDT", Status: domain.StatusNew})
	store.ApplyBalanceUpdate(domain.BalanceUpdate{EventTime: 2, Asset: "usdt", Delta: decimal.NewFromInt(5)})

	code, body := do(t, h, http.MethodGet, "/api/orders/open", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["openOrders"], 2)

	_, body = do(t, h, http.MethodGet, "/api/orders/open?symbol=ethusdt", "")
	require.Len(t, body["openOrders"], 1)
	assert.Equal(t, "ETHUSDT", body["openOrders"].([]any)[0].(map[string]any)["symbol"])

	code, body = do(t, h, http.MethodGet, "/api/balances", "")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body["balances"], 1)
	assert.Equal(t, "USDT", body["balances"].([]any)[0].(map[string]any)["asset"])
}

func TestServer_HistoryFromRing(t *testing.T) {
	store, h := newTestServer(t, nil, nil)
	for id := int64(1); id <= 15; id++ {
		fill(store, id, "BTCUSDT")
	}

	code, body := do(t, h, http.MethodGet, "/api/orders/history?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 10)
	assert.EqualValues(t, 15, items[0].(map[string]any)["orderId"])
	assert.Equal(t, true, body["hasMore"])
	assert.EqualValues(t, 6, body["nextCursor"])

	_, body = do(t, h, http.MethodGet, "/api/orders/history?limit=10&cursor=6", "")
	assert.Len(t, body["items"], 5)
	assert.Equal(t, false, body["hasMore"])
	assert.Nil(t, body["nextCursor"])
}

func TestServer_HistoryFromPager(t *testing.T) {
	pager := &fakePager{}
	_, h := newTestServer(t, pager, nil)

	code, body := do(t, h, http.MethodGet, "/api/orders/history?symbol=btcusdt&limit=3&cursor=42", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["items"])
	assert.Equal(t, "BTCUSDT", pager.symbol)
	assert.Equal(t, 3, pager.limit)
	require.NotNil(t, pager.cursor)
	assert.Equal(t, int64(42), *pager.cursor)

	pager.err = errors.New("db down")
	code, _ = do(t, h, http.MethodGet, "/api/orders/history", "")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServer_HistoryBadParams(t *testing.T) {
	_, h := newTestServer(t, nil, nil)

	for _, target := range []string{
		"/api/orders/history?limit=abc",
		"/api/orders/history?limit=-1",
		"/api/orders/history?cursor=x",
		"/api/orders/history?cursor=-1",
	} {
		code, body := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, code, target)
		assert.True(t, strings.HasPrefix(body["error"].(string), "incorrect"), target)
	}
}

func TestServer_AdminSession(t *testing.T) {
	session := &fakeSession{}
	_, h := newTestServer(t, nil, session)

	code, _ := do(t, h, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, h, http.MethodPost, "/api/session/stop", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, session.suspended)

	code, body := do(t, h, http.MethodPost, "/api/session/stop", "secret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])

	session.err = errors.New("exchange unavailable")
	code, _ = do(t, h, http.MethodPost, "/api/session/stop", "secret")
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, h, http.MethodPost, "/api/session/start", "secret")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, 1, session.resumed)

	code, body = do(t, h, http.MethodGet, "/api/session", "secret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CONNECTED", body["state"])
}

func TestServer_AdminDisabledWithoutToken(t *testing.T) {
	store := orderstore.New(zap.NewNop())
	hub := NewHub(testChannelsConfig(), store, zap.NewNop())
	h := NewServer(config.WebConfig{}, hub, store, nil, &fakeSession{}, zap.NewNop()).Handler()

	code, _ := do(t, h, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestServer_Health(t *testing.T) {
	_, h := newTestServer(t, nil, &fakeSession{})
	code, body := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["subscribers"])
	assert.Equal(t, "CONNECTED", body["stream"])
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	store := orderstore.New(zap.NewNop())
	hub := NewHub(testChannelsConfig(), store, zap.NewNop())
	srv := NewServer(config.WebConfig{Addr: "127.0.0.1:0"}, hub, store, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_AutoTLSRequiresDomains(t *testing.T) {
	store := orderstore.New(zap.NewNop())
	srv := NewServer(config.WebConfig{}, NewHub(testChannelsConfig(), store, zap.NewNop()), store, nil, nil, zap.NewNop())
	assert.Error(t, srv.StartWithAutoTLS(context.Background()))
}
