package domain

// HistoryEntry is a copy of an order captured when it first reached a terminal status.
type HistoryEntry struct {
	Order
	FinalizedAt int64 `json:"finalizedAt"`
}

// NewHistoryEntry freezes order at finalizedAt (ms).
func NewHistoryEntry(order Order, finalizedAt int64) HistoryEntry {
	return HistoryEntry{Order: order.Clone(), FinalizedAt: finalizedAt}
}

// HistoryPage is one page of the durable history, newest order id first.
type HistoryPage struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor *int64         `json:"nextCursor"`
	HasMore    bool           `json:"hasMore"`
}

const (
	DefaultHistoryPageSize = 20
	MaxHistoryPageSize     = 100
)

// ClampPageSize bounds a requested page size.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultHistoryPageSize
	}
	if limit > MaxHistoryPageSize {
		return MaxHistoryPageSize
	}
	return limit
}
