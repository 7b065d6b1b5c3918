package domain

// NotificationKind tags a store change notification.
type NotificationKind string

const (
	NotifyOrderUpdate    NotificationKind = "order_update"
	NotifyBalancesUpdate NotificationKind = "balances_update"
	NotifyListStatus     NotificationKind = "list_status"
	NotifySnapshotMerged NotificationKind = "snapshot_merged"
)

// Notification is one store change, emitted in application order.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Order      *Order           `json:"order,omitempty"`
	Balances   []Balance        `json:"balances,omitempty"`
	List       *OrderList       `json:"list,omitempty"`
	MergeStats *MergeStats      `json:"mergeStats,omitempty"`
	Ts         int64            `json:"ts"`
}

// MergeStats summarises one REST reconciliation. Added counts orders that
// entered the open set, Placeholders the subset that was previously unknown.
type MergeStats struct {
	Added        int `json:"added"`
	Removed      int `json:"removed"`
	Placeholders int `json:"placeholders"`
}

// RESTSnapshot is the fallback state fetched over REST. A failed fetch leaves
// the matching OK flag false and the section is not reconciled.
type RESTSnapshot struct {
	// Symbol scopes OpenOrders to one symbol; empty means all symbols.
	Symbol     string
	OpenOrders []Order
	OrdersOK   bool
	Balances   []Balance
	BalancesOK bool
}

// Partial reports whether either fetch failed.
func (s RESTSnapshot) Partial() bool {
	return !s.OrdersOK || !s.BalancesOK
}

// StoreSnapshot is a consistent point-in-time view of the store.
type StoreSnapshot struct {
	OpenOrders     []Order        `json:"openOrders"`
	Balances       []Balance      `json:"balances"`
	History        []HistoryEntry `json:"history"`
	LastEventAgeMs int64          `json:"lastEventAgeMs"`
}
