package domain

// OrderListMember references one order belonging to an order list.
type OrderListMember struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// OrderList is an OCO/OTO style list record as last reported by the exchange.
type OrderList struct {
	ListID            int64             `json:"orderListId"`
	Symbol            string            `json:"symbol"`
	ContingencyType   string            `json:"contingencyType"`
	ListStatusType    string            `json:"listStatusType"`
	ListOrderStatus   string            `json:"listOrderStatus"`
	RejectReason      string            `json:"listRejectReason,omitempty"`
	ListClientOrderID string            `json:"listClientOrderId,omitempty"`
	TransactionTime   int64             `json:"transactionTime"`
	Orders            []OrderListMember `json:"orders"`
}
