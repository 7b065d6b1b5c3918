// Package gateway wraps the exchange REST API calls the mirror depends on.
package gateway

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/pkg/retrier"
)

const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
)

// BinanceGateway serves open orders, balances and listen keys. Read calls are
// retried on transient failures, session calls are not.
type BinanceGateway struct {
	client  *binance.Client
	retrier *retrier.Retrier
	l       *zap.Logger
}

// NewBinanceGateway creates a gateway. opts tune the read-call retrier.
func NewBinanceGateway(client *binance.Client, l *zap.Logger, opts ...retrier.Option) *BinanceGateway {
	if l == nil {
		l = zap.NewNop()
	}
	g := &BinanceGateway{client: client, l: l}

	defaults := []retrier.Option{
		retrier.WithMaxRetries(2),
		retrier.WithInitialInterval(200 * time.Millisecond),
		retrier.WithMaxInterval(2 * time.Second),
		retrier.WithRetryIf(transient),
		retrier.WithOnRetry(func(attempt int, err error) {
			g.l.Debug("retrying binance call", zap.Int("attempt", attempt), zap.Error(err))
		}),
	}
	g.retrier = retrier.New(append(defaults, opts...)...)
	return g
}

// GetOpenOrders lists open orders, for every symbol when symbol is empty.
func (g *BinanceGateway) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	raw, err := retrier.DoWithData(g.retrier, ctx, func(ctx context.Context) ([]*binance.Order, error) {
		svc := g.client.NewListOpenOrdersService()
		if symbol != "" {
			svc = svc.Symbol(symbol)
		}
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list binance open orders")
	}

	orders := make([]domain.Order, 0, len(raw))
	for _, o := range raw {
		if o == nil {
			continue
		}
		orders = append(orders, g.convertOrder(o))
	}
	return orders, nil
}

// GetAccount returns the account balances.
func (g *BinanceGateway) GetAccount(ctx context.Context) ([]domain.Balance, error) {
	account, err := retrier.DoWithData(g.retrier, ctx, func(ctx context.Context) (*binance.Account, error) {
		return g.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance account")
	}

	balances := make([]domain.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		balances = append(balances, domain.Balance{
			Asset:  domain.NormalizeAsset(b.Asset),
			Free:   g.parseDecimal("free", b.Free),
			Locked: g.parseDecimal("locked", b.Locked),
		})
	}
	return balances, nil
}

// StartSession obtains a new listen key.
func (g *BinanceGateway) StartSession(ctx context.Context) (string, error) {
	key, err := g.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to start binance user stream")
	}
	if key == "" {
		return "", errors.New("binance returned an empty listen key")
	}
	return key, nil
}

// KeepaliveSession extends the validity of token.
func (g *BinanceGateway) KeepaliveSession(ctx context.Context, token string) error {
	err := g.client.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx)
	return errors.Wrap(err, "failed to keepalive binance user stream")
}

// CloseSession invalidates token at the exchange.
func (g *BinanceGateway) CloseSession(ctx context.Context, token string) error {
	err := g.client.NewCloseUserStreamService().ListenKey(token).Do(ctx)
	return errors.Wrap(err, "failed to close binance user stream")
}

func (g *BinanceGateway) convertOrder(o *binance.Order) domain.Order {
	status, ok := domain.ParseOrderStatus(string(o.Status))
	if !ok {
		// listed as open, so it is still live at the exchange
		status = domain.StatusNew
	}

	order := domain.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		TimeInForce:   string(o.TimeInForce),
		Price:         g.parseDecimal("price", o.Price),
		OrigQty:       g.parseDecimal("origQty", o.OrigQuantity),
		ExecutedQty:   g.parseDecimal("executedQty", o.ExecutedQuantity),
		CumQuote:      g.parseDecimal("cummulativeQuoteQty", o.CummulativeQuoteQuantity),
		Fills:         []domain.Fill{},
		Status:        status,
		UpdateTime:    o.UpdateTime,
		OrderListID:   o.OrderListId,
	}
	if order.UpdateTime == 0 {
		order.UpdateTime = o.Time
	}
	if order.ExecutedQty.IsPositive() {
		order.AvgPrice = order.CumQuote.Div(order.ExecutedQty)
	}
	return order
}

func (g *BinanceGateway) parseDecimal(field, raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		g.l.Warn("malformed numeric field in binance response",
			zap.String("field", field), zap.String("value", raw))
		return decimal.Zero
	}
	return d
}

// transient reports whether err is worth retrying. Exchange-side rejections are
// final except rate limiting and internal disconnects.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// a 5xx without a decodable body arrives with a zero code
		return apiErr.Code == 0 || apiErr.Code == codeTooManyRequests || apiErr.Code == codeDisconnected
	}
	return true
}
