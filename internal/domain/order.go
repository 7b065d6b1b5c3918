package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// ParseOrderStatus maps a wire status to OrderStatus. The second value is false
// for empty or unrecognised input.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW":
		return StatusNew, true
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, true
	case "FILLED":
		return StatusFilled, true
	case "CANCELED", "CANCELLED":
		return StatusCanceled, true
	case "REJECTED":
		return StatusRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired, true
	}
	return "", false
}

// IsTerminal reports whether no further executions can happen for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Fill is one matched-trade portion of an order's execution.
type Fill struct {
	TradeID  int64           `json:"tradeId"`
	Quantity decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	QuoteQty decimal.Decimal `json:"quoteQty"`
	Fee      decimal.Decimal `json:"commission"`
	FeeAsset string          `json:"commissionAsset,omitempty"`
	Time     int64           `json:"time"`
}

// Order is the local mirror of one exchange order.
type Order struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"timeInForce,omitempty"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuote      decimal.Decimal `json:"cummulativeQuoteQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Fills         []Fill          `json:"fills"`
	Status        OrderStatus     `json:"status"`
	// UpdateTime is the exchange timestamp in milliseconds of the last applied change.
	UpdateTime  int64 `json:"updateTime"`
	OrderListID int64 `json:"orderListId,omitempty"`
	Placeholder bool  `json:"placeholder,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (o Order) Clone() Order {
	c := o
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	} else {
		c.Fills = []Fill{}
	}
	return c
}

// IsOpen reports whether the order belongs in the open set.
func (o Order) IsOpen() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}
