package domain

import "github.com/shopspring/decimal"

// EventClass names the variant of a normalized user-data event.
type EventClass string

const (
	ClassExecutionReport EventClass = "execution_report"
	ClassAccountPosition EventClass = "account_position"
	ClassBalanceUpdate   EventClass = "balance_update"
	ClassListStatus      EventClass = "list_status"
)

// Event is a normalized user-data event. The set of variants is closed:
// ExecutionReport, AccountPosition, BalanceUpdate and ListStatus.
type Event interface {
	Class() EventClass
	// Timestamp is the exchange time in milliseconds used for ordering decisions.
	Timestamp() int64
	// MalformedFields lists wire fields that failed to parse and were zeroed.
	MalformedFields() []string
	event()
}

// ExecutionReport describes an order state change, possibly with a trade fill.
type ExecutionReport struct {
	EventTime         int64
	TransactionTime   int64
	Symbol            string
	OrderID           int64
	ClientOrderID     string
	OrigClientOrderID string
	Side              string
	OrderType         string
	TimeInForce       string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	ExecutionType     string
	// Status is empty when the event did not carry a recognised status.
	Status       OrderStatus
	RejectReason string
	LastQty      decimal.Decimal
	LastPrice    decimal.Decimal
	LastQuote    decimal.Decimal
	// CumQty and CumQuote are running totals; Valid is false when absent on the wire.
	CumQty      decimal.NullDecimal
	CumQuote    decimal.NullDecimal
	Fee         decimal.Decimal
	FeeAsset    string
	TradeID     int64
	OrderListID int64
	Malformed   []string
}

func (ExecutionReport) Class() EventClass { return ClassExecutionReport }

func (e ExecutionReport) Timestamp() int64 {
	if e.TransactionTime > 0 {
		return e.TransactionTime
	}
	return e.EventTime
}

func (e ExecutionReport) MalformedFields() []string { return e.Malformed }

func (ExecutionReport) event() {}

// IsTrade reports whether the report carries a fill.
func (e ExecutionReport) IsTrade() bool {
	return e.ExecutionType == "TRADE" && e.LastQty.IsPositive()
}

// AccountPosition is a full snapshot of the assets that changed.
type AccountPosition struct {
	EventTime  int64
	LastUpdate int64
	Balances   []Balance
	Malformed  []string
}

func (AccountPosition) Class() EventClass { return ClassAccountPosition }

func (e AccountPosition) Timestamp() int64 {
	if e.LastUpdate > 0 {
		return e.LastUpdate
	}
	return e.EventTime
}

func (e AccountPosition) MalformedFields() []string { return e.Malformed }

func (AccountPosition) event() {}

// BalanceUpdate is a signed delta applied to an asset's free amount.
type BalanceUpdate struct {
	EventTime int64
	ClearTime int64
	Asset     string
	Delta     decimal.Decimal
	Malformed []string
}

func (BalanceUpdate) Class() EventClass { return ClassBalanceUpdate }

func (e BalanceUpdate) Timestamp() int64 {
	if e.ClearTime > 0 {
		return e.ClearTime
	}
	return e.EventTime
}

func (e BalanceUpdate) MalformedFields() []string { return e.Malformed }

func (BalanceUpdate) event() {}

// ListStatus carries the latest state of an order list.
type ListStatus struct {
	EventTime int64
	List      OrderList
	Malformed []string
}

func (ListStatus) Class() EventClass { return ClassListStatus }

func (e ListStatus) Timestamp() int64 {
	if e.List.TransactionTime > 0 {
		return e.List.TransactionTime
	}
	return e.EventTime
}

func (e ListStatus) MalformedFields() []string { return e.Malformed }

func (ListStatus) event() {}
