// Package normalizer maps Binance user-data stream payloads to domain events.
package normalizer

import (
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

// ErrUnknownEvent is returned for well-formed payloads of an event type the store does not consume.
var ErrUnknownEvent = errors.New("unknown event type")

// Wire event tags.
const (
	TypeExecutionReport = "executionReport"
	TypeAccountPosition = "outboundAccountPosition"
	TypeBalanceUpdate   = "balanceUpdate"
	TypeListStatus      = "listStatus"
	TypeListenKeyExpire = "listenKeyExpired"
)

// Normalize decodes one raw stream message. Bare events, combined-stream
// wrappers ({"stream","data"}) and WS-API wrappers ({"event"}) are accepted.
func Normalize(payload []byte) (domain.Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}

	if _, tagged := raw["e"]; !tagged {
		for _, key := range []string{"data", "event"} {
			if inner, ok := raw[key]; ok && !isNull(inner) {
				return Normalize(inner)
			}
		}
	}

	var malformed []string
	f := newFields(raw, &malformed)

	switch kind := f.str("e"); kind {
	case TypeExecutionReport:
		ev := executionReport(f)
		ev.Malformed = malformed
		return ev, nil
	case TypeAccountPosition:
		ev := accountPosition(f)
		ev.Malformed = malformed
		return ev, nil
	case TypeBalanceUpdate:
		ev := balanceUpdate(f)
		ev.Malformed = malformed
		return ev, nil
	case TypeListStatus:
		ev := listStatus(f)
		ev.Malformed = malformed
		return ev, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "event type %q", kind)
	}
}

// EventType returns the wire tag of payload, looking through the same wrappers
// Normalize accepts. It returns "" when the payload carries no tag.
func EventType(payload []byte) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ""
	}
	if tag, ok := raw["e"]; ok {
		var kind string
		if err := json.Unmarshal(tag, &kind); err != nil {
			return ""
		}
		return kind
	}
	for _, key := range []string{"data", "event"} {
		if inner, ok := raw[key]; ok && !isNull(inner) {
			return EventType(inner)
		}
	}
	return ""
}

func executionReport(f fields) domain.ExecutionReport {
	ev := domain.ExecutionReport{
		EventTime:         f.int("E"),
		TransactionTime:   f.int("T"),
		Symbol:            f.str("s"),
		OrderID:           f.int("i"),
		ClientOrderID:     f.str("c"),
		OrigClientOrderID: f.str("C"),
		Side:              f.str("S"),
		OrderType:         f.str("o"),
		TimeInForce:       f.str("f"),
		Quantity:          f.dec("q"),
		Price:             f.dec("p"),
		ExecutionType:     f.str("x"),
		RejectReason:      f.str("r"),
		LastQty:           f.dec("l"),
		LastPrice:         f.dec("L"),
		LastQuote:         f.dec("Y"),
		CumQty:            f.nullDec("z"),
		CumQuote:          f.nullDec("Z"),
		Fee:               f.dec("n"),
		FeeAsset:          f.str("N"),
		TradeID:           f.int("t"),
		OrderListID:       f.int("g"),
	}
	if f.has("X") {
		status, ok := domain.ParseOrderStatus(f.str("X"))
		if ok {
			ev.Status = status
		} else {
			f.bad("X")
		}
	}
	return ev
}

func accountPosition(f fields) domain.AccountPosition {
	ev := domain.AccountPosition{
		EventTime:  f.int("E"),
		LastUpdate: f.int("u"),
	}
	for i, item := range f.objects("B") {
		b := f.nested(item, "B["+strconv.Itoa(i)+"].")
		asset := domain.NormalizeAsset(b.str("a"))
		if asset == "" {
			b.bad("a")
			continue
		}
		ev.Balances = append(ev.Balances, domain.Balance{
			Asset:  asset,
			Free:   b.dec("f"),
			Locked: b.dec("l"),
		})
	}
	return ev
}

func balanceUpdate(f fields) domain.BalanceUpdate {
	ev := domain.BalanceUpdate{
		EventTime: f.int("E"),
		ClearTime: f.int("T"),
		Asset:     domain.NormalizeAsset(f.str("a")),
		Delta:     f.dec("d"),
	}
	if ev.Asset == "" {
		f.bad("a")
	}
	return ev
}

func listStatus(f fields) domain.ListStatus {
	ev := domain.ListStatus{
		EventTime: f.int("E"),
		List: domain.OrderList{
			ListID:            f.int("g"),
			Symbol:            f.str("s"),
			ContingencyType:   f.str("c"),
			ListStatusType:    f.str("l"),
			ListOrderStatus:   f.str("L"),
			RejectReason:      f.str("r"),
			ListClientOrderID: f.str("C"),
			TransactionTime:   f.int("T"),
			Orders:            []domain.OrderListMember{},
		},
	}
	for i, item := range f.objects("O") {
		m := f.nested(item, "O["+strconv.Itoa(i)+"].")
		ev.List.Orders = append(ev.List.Orders, domain.OrderListMember{
			Symbol:        m.str("s"),
			OrderID:       m.int("i"),
			ClientOrderID: m.str("c"),
		})
	}
	return ev
}
