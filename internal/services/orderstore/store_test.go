package orderstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingWriter struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	err     error
}

func (w *recordingWriter) UpsertFinal(_ context.Context, entry domain.HistoryEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *recordingWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func report(id int64, ts int64, status domain.OrderStatus) domain.ExecutionReport {
	return domain.ExecutionReport{
		EventTime:       ts,
		TransactionTime: ts,
		Symbol:          "BTCUSDT",
		OrderID:         id,
		Side:            "BUY",
		OrderType:       "LIMIT",
		TimeInForce:     "GTC",
		Quantity:        dec("1"),
		Price:           dec("101"),
		ExecutionType:   "NEW",
		Status:          status,
	}
}

func trade(id, ts int64, status domain.OrderStatus, lastQty, lastPrice, cumQty string) domain.ExecutionReport {
	ev := report(id, ts, status)
	ev.ExecutionType = "TRADE"
	ev.LastQty = dec(lastQty)
	ev.LastPrice = dec(lastPrice)
	ev.CumQty = nullDec(cumQty)
	ev.TradeID = ts
	return ev
}

func drain(s *Store) []domain.Notification {
	var out []domain.Notification
	for {
		select {
		case n := <-s.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestStore_ScriptedFillSequence(t *testing.T) {
	s := New(zap.NewNop())

	_, applied := s.ApplyExecutionReport(report(555, 1, domain.StatusNew))
	require.True(t, applied)
	s.ApplyExecutionReport(trade(555, 2, domain.StatusPartiallyFilled, "0.5", "100", "0.5"))
	o, _ := s.ApplyExecutionReport(trade(555, 3, domain.StatusFilled, "0.5", "101", "1.0"))

	assert.Equal(t, 1, s.KnownOrders())
	assert.True(t, dec("1").Equal(o.ExecutedQty))
	assert.True(t, dec("100.5").Equal(o.AvgPrice), "avg price %s", o.AvgPrice)
	assert.Len(t, o.Fills, 2)
	assert.True(t, dec("50").Equal(o.Fills[0].QuoteQty))

	history := s.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusFilled, history[0].Status)
	assert.Empty(t, s.OpenOrders())

	notifications := drain(s)
	require.Len(t, notifications, 3)
	for _, n := range notifications {
		assert.Equal(t, domain.NotifyOrderUpdate, n.Kind)
	}
}

func TestStore_Idempotence(t *testing.T) {
	s := New(zap.NewNop())

	ev := trade(1, 10, domain.StatusPartiallyFilled, "0.3", "100", "0.3")
	_, applied := s.ApplyExecutionReport(ev)
	require.True(t, applied)

	before, _ := s.Order(1)

	_, applied = s.ApplyExecutionReport(ev)
	assert.False(t, applied)

	older := trade(1, 9, domain.StatusPartiallyFilled, "0.3", "100", "0.3")
	_, applied = s.ApplyExecutionReport(older)
	assert.False(t, applied)

	after, _ := s.Order(1)
	assert.Equal(t, before, after)
	assert.Len(t, drain(s), 1)
}

func TestStore_AveragePriceTracksTotals(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplyExecutionReport(report(7, 1, domain.StatusNew))

	fills := []struct{ qty, price string }{
		{"0.1", "100"}, {"0.25", "99.5"}, {"0.05", "101.25"}, {"0.6", "98"},
	}
	for i, f := range fills {
		ev := trade(7, int64(i+2), domain.StatusPartiallyFilled, f.qty, f.price, "0")
		ev.CumQty = decimal.NullDecimal{}
		o, applied := s.ApplyExecutionReport(ev)
		require.True(t, applied)

		require.True(t, o.ExecutedQty.IsPositive())
		assert.True(t, o.CumQuote.Div(o.ExecutedQty).Equal(o.AvgPrice), "step %d", i)
	}
}

func TestStore_CumulativeFieldsOverwrite(t *testing.T) {
	s := New(zap.NewNop())

	ev := trade(3, 1, domain.StatusPartiallyFilled, "0.2", "10", "0.2")
	ev.CumQuote = nullDec("2")
	s.ApplyExecutionReport(ev)

	ev = trade(3, 2, domain.StatusPartiallyFilled, "0.3", "20", "0.5")
	ev.CumQuote = nullDec("8")
	o, _ := s.ApplyExecutionReport(ev)

	assert.True(t, dec("0.5").Equal(o.ExecutedQty))
	assert.True(t, dec("8").Equal(o.CumQuote))
	assert.True(t, dec("16").Equal(o.AvgPrice))
}

func TestStore_ZeroExecutedKeepsAveragePrice(t *testing.T) {
	s := New(zap.NewNop())

	o, _ := s.ApplyExecutionReport(report(4, 1, domain.StatusNew))
	assert.True(t, o.AvgPrice.IsZero())

	ev := report(4, 2, domain.StatusCanceled)
	ev.CumQty = nullDec("0")
	o, _ = s.ApplyExecutionReport(ev)
	assert.True(t, o.AvgPrice.IsZero())
	assert.Equal(t, domain.StatusCanceled, o.Status)
}

func TestStore_DefaultStatusNew(t *testing.T) {
	s := New(zap.NewNop())

	o, _ := s.ApplyExecutionReport(report(9, 1, ""))
	assert.Equal(t, domain.StatusNew, o.Status)
	assert.Len(t, s.OpenOrders(), 1)
}

func TestStore_TerminalTransitionExactlyOnce(t *testing.T) {
	w := &recordingWriter{}
	s := New(zap.NewNop(), WithHistoryWriters(w))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.RunPersister(ctx)
		close(done)
	}()

	s.ApplyExecutionReport(report(1, 1, domain.StatusNew))
	s.ApplyExecutionReport(trade(1, 2, domain.StatusPartiallyFilled, "0.5", "100", "0.5"))
	s.ApplyExecutionReport(trade(1, 3, domain.StatusFilled, "0.5", "100", "1"))
	// a later terminal report for the same order does not add history
	s.ApplyExecutionReport(report(1, 4, domain.StatusCanceled))
	// nor does an attempt to reopen it
	o, _ := s.ApplyExecutionReport(report(1, 5, domain.StatusNew))

	assert.Equal(t, domain.StatusCanceled, o.Status)
	assert.Len(t, s.History(0), 1)
	assert.Empty(t, s.OpenOrders())

	assert.Eventually(t, func() bool { return w.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestStore_ReplaySkipsPersistAndNotifications(t *testing.T) {
	w := &recordingWriter{}
	s := New(zap.NewNop(), WithHistoryWriters(w), WithPersistQueueSize(1))

	s.SetReplaying(true)
	for id := int64(1); id <= 5; id++ {
		s.ApplyExecutionReport(report(id, 1, domain.StatusNew))
		s.ApplyExecutionReport(report(id, 2, domain.StatusCanceled))
	}
	s.SetReplaying(false)

	assert.Len(t, s.History(0), 5)
	assert.Empty(t, s.OpenOrders())
	assert.Empty(t, drain(s))
	assert.Empty(t, s.persist)

	s.ApplyExecutionReport(report(6, 3, domain.StatusNew))
	s.ApplyExecutionReport(report(6, 4, domain.StatusFilled))
	assert.Len(t, s.persist, 1)
	assert.Len(t, drain(s), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.RunPersister(ctx))
	require.Equal(t, 1, w.Len())
	assert.Equal(t, int64(6), w.entries[0].OrderID)
}

func TestStore_DurableFailureIsSwallowed(t *testing.T) {
	w := &recordingWriter{err: errors.New("disk full")}
	s := New(zap.NewNop(), WithHistoryWriters(w))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.RunPersister(ctx) }()

	s.ApplyExecutionReport(report(1, 1, domain.StatusNew))
	s.ApplyExecutionReport(report(1, 2, domain.StatusRejected))

	assert.Len(t, s.History(10), 1)
}

func TestStore_HistoryRingEvictsOldest(t *testing.T) {
	s := New(zap.NewNop(), WithHistoryCapacity(3))

	for id := int64(1); id <= 5; id++ {
		s.ApplyExecutionReport(report(id, id, domain.StatusNew))
		s.ApplyExecutionReport(report(id, id+100, domain.StatusCanceled))
	}

	history := s.History(10)
	require.Len(t, history, 3)
	assert.Equal(t, int64(5), history[0].OrderID)
	assert.Equal(t, int64(4), history[1].OrderID)
	assert.Equal(t, int64(3), history[2].OrderID)

	assert.Len(t, s.History(2), 2)
}

func TestStore_Balances(t *testing.T) {
	s := New(zap.NewNop())

	s.ApplyAccountPosition(domain.AccountPosition{
		EventTime: 1,
		Balances: []domain.Balance{
			{Asset: "btc", Free: dec("1.000"), Locked: dec("0.5")},
			{Asset: "USDT", Free: dec("100"), Locked: dec("0")},
		},
	})

	t.Run("delta adjusts free only", func(t *testing.T) {
		s.ApplyBalanceUpdate(domain.BalanceUpdate{EventTime: 2, Asset: "BTC", Delta: dec("-0.001")})

		balances := s.Balances()
		require.Len(t, balances, 2)
		assert.Equal(t, "BTC", balances[0].Asset)
		assert.True(t, dec("0.999").Equal(balances[0].Free))
		assert.True(t, dec("0.5").Equal(balances[0].Locked))
	})

	t.Run("unseen asset starts from zero", func(t *testing.T) {
		s.ApplyBalanceUpdate(domain.BalanceUpdate{EventTime: 3, Asset: "eth", Delta: dec("2")})

		balances := s.Balances()
		require.Len(t, balances, 3)
		assert.Equal(t, "ETH", balances[1].Asset)
		assert.True(t, dec("2").Equal(balances[1].Free))
	})

	t.Run("position does not clear absent assets", func(t *testing.T) {
		s.ApplyAccountPosition(domain.AccountPosition{
			EventTime: 4,
			Balances:  []domain.Balance{{Asset: "Usdt", Free: dec("50"), Locked: dec("1")}},
		})

		balances := s.Balances()
		require.Len(t, balances, 3)
		assert.True(t, dec("50").Equal(balances[2].Free))
	})

	notifications := drain(s)
	require.Len(t, notifications, 4)
	assert.Len(t, notifications[0].Balances, 2)
	assert.Len(t, notifications[1].Balances, 1)
	assert.Len(t, notifications[3].Balances, 1)
}

func TestStore_ListStatus(t *testing.T) {
	s := New(zap.NewNop())

	s.ApplyListStatus(domain.ListStatus{EventTime: 1, List: domain.OrderList{ListID: 2, ListOrderStatus: "EXECUTING"}})
	s.ApplyListStatus(domain.ListStatus{EventTime: 2, List: domain.OrderList{ListID: 2, ListOrderStatus: "ALL_DONE"}})

	list, ok := s.OrderList(2)
	require.True(t, ok)
	assert.Equal(t, "ALL_DONE", list.ListOrderStatus)

	notifications := drain(s)
	require.Len(t, notifications, 2)
	assert.Equal(t, domain.NotifyListStatus, notifications[1].Kind)
}

func TestStore_MergeRESTSnapshot(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplyExecutionReport(report(1, 1, domain.StatusNew)) // A
	s.ApplyExecutionReport(report(2, 1, domain.StatusNew)) // B
	drain(s)

	stats := s.MergeRESTSnapshot(domain.RESTSnapshot{
		OpenOrders: []domain.Order{
			{OrderID: 2, Symbol: "BTCUSDT", Status: domain.StatusNew, UpdateTime: 1},
			{OrderID: 3, Symbol: "ETHUSDT", Status: domain.StatusFilled, UpdateTime: 5},
		},
		OrdersOK: true,
	})

	assert.Equal(t, domain.MergeStats{Added: 1, Removed: 1, Placeholders: 1}, stats)

	open := s.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, int64(2), open[0].OrderID)
	assert.Equal(t, int64(3), open[1].OrderID)
	assert.True(t, open[1].Placeholder)
	assert.Equal(t, domain.StatusNew, open[1].Status)
	assert.Empty(t, open[1].Fills)

	a, known := s.Order(1)
	require.True(t, known)
	assert.Equal(t, domain.StatusNew, a.Status)

	notifications := drain(s)
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.NotifySnapshotMerged, notifications[0].Kind)
	assert.Equal(t, stats, *notifications[0].MergeStats)

	t.Run("live event reopens a removed order", func(t *testing.T) {
		s.ApplyExecutionReport(trade(1, 2, domain.StatusPartiallyFilled, "0.1", "100", "0.1"))
		assert.Len(t, s.OpenOrders(), 3)
	})
}

func TestStore_MergeScopedToSymbol(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplyExecutionReport(report(1, 1, domain.StatusNew))
	eth := report(2, 1, domain.StatusNew)
	eth.Symbol = "ETHUSDT"
	s.ApplyExecutionReport(eth)
	s.ApplyExecutionReport(report(3, 1, domain.StatusNew))

	stats := s.MergeRESTSnapshot(domain.RESTSnapshot{
		Symbol:     "BTCUSDT",
		OpenOrders: []domain.Order{{OrderID: 1, Symbol: "BTCUSDT", Status: domain.StatusNew, UpdateTime: 1}},
		OrdersOK:   true,
	})

	assert.Equal(t, domain.MergeStats{Removed: 1}, stats)
	open := s.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, int64(1), open[0].OrderID)
	assert.Equal(t, int64(2), open[1].OrderID)
}

func TestStore_MergeKeepsFinalizedAndPartial(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplyExecutionReport(report(1, 1, domain.StatusNew))
	s.ApplyExecutionReport(report(1, 2, domain.StatusCanceled))
	s.ApplyAccountPosition(domain.AccountPosition{Balances: []domain.Balance{{Asset: "BTC", Free: dec("1")}}})

	stats := s.MergeRESTSnapshot(domain.RESTSnapshot{
		OpenOrders: []domain.Order{{OrderID: 1, Status: domain.StatusNew, UpdateTime: 10}},
		OrdersOK:   true,
		BalancesOK: false,
	})

	assert.Equal(t, domain.MergeStats{}, stats)
	assert.Empty(t, s.OpenOrders())
	require.Len(t, s.Balances(), 1)

	t.Run("failed orders fetch leaves open set alone", func(t *testing.T) {
		s.ApplyExecutionReport(report(2, 1, domain.StatusNew))
		stats := s.MergeRESTSnapshot(domain.RESTSnapshot{
			OrdersOK:   false,
			Balances:   []domain.Balance{{Asset: "usdt", Free: dec("5")}},
			BalancesOK: true,
		})
		assert.Equal(t, domain.MergeStats{}, stats)
		assert.Len(t, s.OpenOrders(), 1)

		balances := s.Balances()
		require.Len(t, balances, 1)
		assert.Equal(t, "USDT", balances[0].Asset)
	})
}

func TestStore_NotificationOverflow(t *testing.T) {
	s := New(zap.NewNop(), WithNotificationQueueSize(2))

	for i := int64(1); i <= 3; i++ {
		s.ApplyBalanceUpdate(domain.BalanceUpdate{Asset: "BTC", Delta: dec("1")})
	}

	assert.Len(t, drain(s), 2)
	assert.True(t, s.TakeOverflow())
	assert.False(t, s.TakeOverflow())
}

func TestStore_LastEventAge(t *testing.T) {
	clock := newFakeClock()
	s := New(zap.NewNop(), WithClock(clock.Now))

	clock.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, s.LastEventAge())
	assert.True(t, s.LastEventAt().IsZero())

	s.ApplyBalanceUpdate(domain.BalanceUpdate{Asset: "BTC", Delta: dec("1")})
	clock.Advance(time.Second)
	assert.Equal(t, time.Second, s.LastEventAge())
	assert.Equal(t, int64(1000), s.Snapshot(10).LastEventAgeMs)
}

func TestStore_ConcurrentApplySerialized(t *testing.T) {
	s := New(zap.NewNop(), WithNotificationQueueSize(10000))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.ApplyBalanceUpdate(domain.BalanceUpdate{Asset: "BTC", Delta: dec("1")})
			}
		}()
	}
	wg.Wait()

	balances := s.Balances()
	require.Len(t, balances, 1)
	assert.True(t, dec("800").Equal(balances[0].Free))
}
