package web

import (
	"github.com/vadiminshakov/ordermirror/internal/domain"
)

// Message types on the subscriber channels.
const (
	TypeWelcome        = "welcome"
	TypeOrdersSnapshot = "orders_snapshot"
	TypeSystem         = "system"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeResnapshot     = "resnapshot"
	TypeSnapshot       = "snapshot"
)

type welcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Channel      string `json:"channel"`
	Ts           int64  `json:"ts"`
}

type snapshotMessage struct {
	Type string `json:"type"`
	domain.StoreSnapshot
	Fallback   bool               `json:"fallback,omitempty"`
	MergeStats *domain.MergeStats `json:"mergeStats,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
	Ts         int64              `json:"ts"`
}

type systemMessage struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

type heartbeatMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

type clientMessage struct {
	Type string `json:"type"`
}

func newSnapshotMessage(snap domain.StoreSnapshot, ts int64) snapshotMessage {
	if snap.OpenOrders == nil {
		snap.OpenOrders = []domain.Order{}
	}
	if snap.Balances == nil {
		snap.Balances = []domain.Balance{}
	}
	if snap.History == nil {
		snap.History = []domain.HistoryEntry{}
	}
	return snapshotMessage{Type: TypeOrdersSnapshot, StoreSnapshot: snap, Ts: ts}
}
