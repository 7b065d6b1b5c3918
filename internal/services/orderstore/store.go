// Package orderstore owns the in-memory mirror of orders, balances and
// finalized-order history, and emits a notification for every change.
package orderstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/telemetry"
)

const persistDrainTimeout = 5 * time.Second

// HistoryWriter durably stores finalized orders.
type HistoryWriter interface {
	UpsertFinal(ctx context.Context, entry domain.HistoryEntry) error
}

// Store is safe for concurrent use. Every mutation runs under one mutex and
// enqueues its notification before releasing it, so the queue order is the
// application order.
type Store struct {
	mu sync.Mutex

	orders   map[int64]*domain.Order
	open     map[int64]struct{}
	balances map[string]domain.Balance
	lists    map[int64]domain.OrderList

	history     []domain.HistoryEntry
	historyCap  int
	historyNext int
	historyLen  int

	startedAt   time.Time
	lastEventAt time.Time

	// replaying suppresses notifications and durable writes; replayed
	// history was persisted and broadcast when it first arrived.
	replaying bool

	notifications chan domain.Notification
	overflow      atomic.Bool

	persist chan domain.HistoryEntry
	writers []HistoryWriter

	now     func() time.Time
	l       *zap.Logger
	metrics *telemetry.Metrics
}

// New creates an empty Store.
func New(l *zap.Logger, opts ...Option) *Store {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Store{
		orders:        make(map[int64]*domain.Order),
		open:          make(map[int64]struct{}),
		balances:      make(map[string]domain.Balance),
		lists:         make(map[int64]domain.OrderList),
		historyCap:    defaultHistoryCapacity,
		notifications: make(chan domain.Notification, defaultNotificationQueueSize),
		persist:       make(chan domain.HistoryEntry, defaultPersistQueueSize),
		now:           time.Now,
		l:             l,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = make([]domain.HistoryEntry, s.historyCap)
	s.startedAt = s.now()
	return s
}

// SetReplaying toggles replay mode. State changes still apply while it is on.
func (s *Store) SetReplaying(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaying = on
}

// Notifications is the consumer side of the notification queue.
func (s *Store) Notifications() <-chan domain.Notification {
	return s.notifications
}

// TakeOverflow reports whether notifications were dropped since the last call
// and clears the flag.
func (s *Store) TakeOverflow() bool {
	return s.overflow.Swap(false)
}

// Apply dispatches a normalized event to the matching operation.
func (s *Store) Apply(ev domain.Event) {
	switch e := ev.(type) {
	case domain.ExecutionReport:
		s.ApplyExecutionReport(e)
	case domain.AccountPosition:
		s.ApplyAccountPosition(e)
	case domain.BalanceUpdate:
		s.ApplyBalanceUpdate(e)
	case domain.ListStatus:
		s.ApplyListStatus(e)
	default:
		s.l.Warn("unsupported event variant", zap.Any("event", ev))
	}
}

// ApplyExecutionReport merges an order update. It returns the resulting order
// and false when the event was not newer than the recorded state.
func (s *Store) ApplyExecutionReport(ev domain.ExecutionReport) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markEvent(ev)

	ts := ev.Timestamp()
	o, known := s.orders[ev.OrderID]
	if known && ts <= o.UpdateTime {
		s.l.Debug("stale execution report ignored",
			zap.Int64("order_id", ev.OrderID),
			zap.Int64("event_ts", ts),
			zap.Int64("order_ts", o.UpdateTime))
		return o.Clone(), false
	}
	if !known {
		o = &domain.Order{OrderID: ev.OrderID, Status: domain.StatusNew, Fills: []domain.Fill{}}
		s.orders[ev.OrderID] = o
	}
	wasTerminal := o.Status.IsTerminal()

	mergeIdentity(o, ev)
	o.Placeholder = false

	var fill *domain.Fill
	if ev.IsTrade() {
		fill = &domain.Fill{
			TradeID:  ev.TradeID,
			Quantity: ev.LastQty,
			Price:    ev.LastPrice,
			QuoteQty: ev.LastQty.Mul(ev.LastPrice),
			Fee:      ev.Fee,
			FeeAsset: ev.FeeAsset,
			Time:     ts,
		}
		o.Fills = append(o.Fills, *fill)
	}

	// running totals overwrite; without them the fill advances the totals
	switch {
	case ev.CumQty.Valid:
		o.ExecutedQty = ev.CumQty.Decimal
	case fill != nil:
		o.ExecutedQty = o.ExecutedQty.Add(fill.Quantity)
	}
	switch {
	case ev.CumQuote.Valid:
		o.CumQuote = ev.CumQuote.Decimal
	case fill != nil:
		o.CumQuote = o.CumQuote.Add(fill.QuoteQty)
	}
	if o.ExecutedQty.IsPositive() {
		o.AvgPrice = o.CumQuote.Div(o.ExecutedQty)
	}

	if ev.Status != "" {
		if wasTerminal && !ev.Status.IsTerminal() {
			s.l.Warn("refusing to reopen finalized order",
				zap.Int64("order_id", o.OrderID),
				zap.String("status", string(o.Status)),
				zap.String("event_status", string(ev.Status)))
		} else {
			o.Status = ev.Status
		}
	}
	o.UpdateTime = ts

	if o.IsOpen() {
		s.open[o.OrderID] = struct{}{}
	} else {
		delete(s.open, o.OrderID)
	}
	if !wasTerminal && o.Status.IsTerminal() {
		s.finalize(*o)
	}

	snapshot := o.Clone()
	s.notify(domain.Notification{Kind: domain.NotifyOrderUpdate, Order: &snapshot})
	return o.Clone(), true
}

func mergeIdentity(o *domain.Order, ev domain.ExecutionReport) {
	if ev.Symbol != "" {
		o.Symbol = ev.Symbol
	}
	if ev.ClientOrderID != "" {
		o.ClientOrderID = ev.ClientOrderID
	}
	if ev.Side != "" {
		o.Side = ev.Side
	}
	if ev.OrderType != "" {
		o.Type = ev.OrderType
	}
	if ev.TimeInForce != "" {
		o.TimeInForce = ev.TimeInForce
	}
	if !ev.Quantity.IsZero() {
		o.OrigQty = ev.Quantity
	}
	if !ev.Price.IsZero() {
		o.Price = ev.Price
	}
	if ev.OrderListID > 0 {
		o.OrderListID = ev.OrderListID
	}
}

// ApplyAccountPosition overwrites every supplied asset; other assets are kept.
func (s *Store) ApplyAccountPosition(ev domain.AccountPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markEvent(ev)

	affected := make([]domain.Balance, 0, len(ev.Balances))
	for _, b := range ev.Balances {
		b.Asset = domain.NormalizeAsset(b.Asset)
		if b.Asset == "" {
			continue
		}
		s.balances[b.Asset] = b
		affected = append(affected, b)
	}
	if len(affected) == 0 {
		return
	}
	s.notify(domain.Notification{Kind: domain.NotifyBalancesUpdate, Balances: affected})
}

// ApplyBalanceUpdate adds the signed delta to the asset's free amount.
func (s *Store) ApplyBalanceUpdate(ev domain.BalanceUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markEvent(ev)

	asset := domain.NormalizeAsset(ev.Asset)
	if asset == "" {
		s.l.Warn("balance update without asset dropped")
		return
	}
	b, ok := s.balances[asset]
	if !ok {
		b = domain.Balance{Asset: asset}
	}
	b.Free = b.Free.Add(ev.Delta)
	s.balances[asset] = b

	s.notify(domain.Notification{Kind: domain.NotifyBalancesUpdate, Balances: []domain.Balance{b}})
}

// ApplyListStatus stores the order list record by list id.
func (s *Store) ApplyListStatus(ev domain.ListStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markEvent(ev)

	list := ev.List
	list.Orders = append([]domain.OrderListMember(nil), ev.List.Orders...)
	s.lists[list.ListID] = list

	s.notify(domain.Notification{Kind: domain.NotifyListStatus, List: &list})
}

// MergeRESTSnapshot reconciles a REST snapshot into the store. Unknown open
// orders become placeholders, locally open orders missing from the snapshot
// leave the open set (they stay known), finalized orders are never reopened.
// A symbol-scoped snapshot only closes orders of that symbol.
// Balances are replaced wholesale when the balance fetch succeeded.
func (s *Store) MergeRESTSnapshot(snap domain.RESTSnapshot) domain.MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.MergeStats

	if snap.OrdersOK {
		seen := make(map[int64]struct{}, len(snap.OpenOrders))
		for _, ro := range snap.OpenOrders {
			seen[ro.OrderID] = struct{}{}

			o, known := s.orders[ro.OrderID]
			if !known {
				p := placeholder(ro)
				s.orders[p.OrderID] = &p
				s.open[p.OrderID] = struct{}{}
				stats.Added++
				stats.Placeholders++
				continue
			}
			if o.Status.IsTerminal() {
				continue
			}
			if ro.UpdateTime > o.UpdateTime {
				refresh(o, ro)
			}
			if _, isOpen := s.open[o.OrderID]; !isOpen {
				s.open[o.OrderID] = struct{}{}
				stats.Added++
			}
		}

		for id := range s.open {
			if snap.Symbol != "" && s.orders[id].Symbol != snap.Symbol {
				continue
			}
			if _, ok := seen[id]; !ok {
				delete(s.open, id)
				stats.Removed++
			}
		}
	}

	if snap.BalancesOK {
		balances := make(map[string]domain.Balance, len(snap.Balances))
		for _, b := range snap.Balances {
			b.Asset = domain.NormalizeAsset(b.Asset)
			if b.Asset == "" {
				continue
			}
			balances[b.Asset] = b
		}
		s.balances = balances
	}

	s.notify(domain.Notification{Kind: domain.NotifySnapshotMerged, MergeStats: &stats})
	return stats
}

func placeholder(ro domain.Order) domain.Order {
	p := ro.Clone()
	p.Fills = []domain.Fill{}
	p.Placeholder = true
	if !p.IsOpen() {
		p.Status = domain.StatusNew
	}
	if p.ExecutedQty.IsPositive() {
		p.AvgPrice = p.CumQuote.Div(p.ExecutedQty)
	}
	return p
}

// refresh takes the exchange's newer progress for a still-live order.
func refresh(o *domain.Order, ro domain.Order) {
	if ro.IsOpen() {
		o.Status = ro.Status
	}
	if ro.ExecutedQty.GreaterThan(o.ExecutedQty) {
		o.ExecutedQty = ro.ExecutedQty
		o.CumQuote = ro.CumQuote
		if o.ExecutedQty.IsPositive() {
			o.AvgPrice = o.CumQuote.Div(o.ExecutedQty)
		}
	}
	o.UpdateTime = ro.UpdateTime
}

// OpenOrders returns the open set ordered by order id.
func (s *Store) OpenOrders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openOrdersLocked()
}

// Order returns any known order, open or not.
func (s *Store) Order(id int64) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return o.Clone(), true
}

// KnownOrders reports how many orders the store has seen.
func (s *Store) KnownOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Balances returns all balances ordered by asset.
func (s *Store) Balances() []domain.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balancesLocked()
}

// OrderList returns the last recorded state of a list.
func (s *Store) OrderList(id int64) (domain.OrderList, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[id]
	return l, ok
}

// History returns up to limit finalized orders, most recent first.
func (s *Store) History(limit int) []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(limit)
}

// Snapshot returns open orders, balances and history taken under one lock.
func (s *Store) Snapshot(historyLimit int) domain.StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.StoreSnapshot{
		OpenOrders:     s.openOrdersLocked(),
		Balances:       s.balancesLocked(),
		History:        s.historyLocked(historyLimit),
		LastEventAgeMs: s.lastEventAgeLocked().Milliseconds(),
	}
}

// LastEventAt is the time the last event was applied, zero if none was.
func (s *Store) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// LastEventAge is measured from the last applied event, or from store creation
// when no event has been applied yet.
func (s *Store) LastEventAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAgeLocked()
}

func (s *Store) lastEventAgeLocked() time.Duration {
	since := s.lastEventAt
	if since.IsZero() {
		since = s.startedAt
	}
	age := s.now().Sub(since)
	if age < 0 {
		return 0
	}
	return age
}

func (s *Store) openOrdersLocked() []domain.Order {
	out := make([]domain.Order, 0, len(s.open))
	for id := range s.open {
		out = append(out, s.orders[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *Store) balancesLocked() []domain.Balance {
	out := make([]domain.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (s *Store) historyLocked(limit int) []domain.HistoryEntry {
	if limit <= 0 || limit > s.historyLen {
		limit = s.historyLen
	}
	out := make([]domain.HistoryEntry, 0, limit)
	idx := s.historyNext
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + s.historyCap) % s.historyCap
		entry := s.history[idx]
		entry.Order = entry.Order.Clone()
		out = append(out, entry)
	}
	return out
}

func (s *Store) markEvent(ev domain.Event) {
	s.lastEventAt = s.now()
	ctx := context.Background()
	s.metrics.EventApplied(ctx, string(ev.Class()))
	if bad := ev.MalformedFields(); len(bad) > 0 {
		s.metrics.EventMalformed(ctx, string(ev.Class()))
		s.l.Warn("malformed fields treated as zero",
			zap.String("class", string(ev.Class())),
			zap.Strings("fields", bad))
	}
}

func (s *Store) finalize(o domain.Order) {
	entry := domain.NewHistoryEntry(o, s.now().UnixMilli())

	s.history[s.historyNext] = entry
	s.historyNext = (s.historyNext + 1) % s.historyCap
	if s.historyLen < s.historyCap {
		s.historyLen++
	}

	if len(s.writers) == 0 || s.replaying {
		return
	}
	select {
	case s.persist <- entry:
	default:
		s.metrics.HistoryWriteFailed(context.Background())
		s.l.Error("history persist queue full, finalized order not written",
			zap.Int64("order_id", o.OrderID))
	}
}

func (s *Store) notify(n domain.Notification) {
	if s.replaying {
		return
	}
	n.Ts = s.now().UnixMilli()
	select {
	case s.notifications <- n:
	default:
		s.overflow.Store(true)
		s.metrics.NotificationDropped(context.Background())
		s.l.Warn("notification queue full, dropping", zap.String("kind", string(n.Kind)))
	}
}
