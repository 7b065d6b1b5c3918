// Package postgres keeps finalized orders in Postgres.
package postgres

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

const (
	historyUpsertSQL = `
INSERT INTO orders_history (
    order_id, client_order_id, symbol, side, type, time_in_force, status,
    price, orig_qty, executed_qty, avg_price, cumm_quote, fills,
    order_list_id, update_time, finalized_at
)
VALUES (
    @order_id, @client_order_id, @symbol, @side, @type, @time_in_force, @status,
    @price::numeric, @orig_qty::numeric, @executed_qty::numeric, @avg_price::numeric, @cumm_quote::numeric,
    @fills::jsonb, @order_list_id, @update_time, @finalized_at
)
ON CONFLICT (order_id) DO UPDATE SET
    client_order_id = EXCLUDED.client_order_id,
    symbol = EXCLUDED.symbol,
    side = EXCLUDED.side,
    type = EXCLUDED.type,
    time_in_force = EXCLUDED.time_in_force,
    status = EXCLUDED.status,
    price = EXCLUDED.price,
    orig_qty = EXCLUDED.orig_qty,
    executed_qty = EXCLUDED.executed_qty,
    avg_price = EXCLUDED.avg_price,
    cumm_quote = EXCLUDED.cumm_quote,
    fills = EXCLUDED.fills,
    order_list_id = EXCLUDED.order_list_id,
    update_time = EXCLUDED.update_time,
    finalized_at = EXCLUDED.finalized_at
WHERE orders_history.update_time < EXCLUDED.update_time;
`

	historyPageSQL = `
SELECT order_id, client_order_id, symbol, side, type, time_in_force, status,
       price::text, orig_qty::text, executed_qty::text, avg_price::text, cumm_quote::text,
       fills, order_list_id, update_time, finalized_at
FROM orders_history
WHERE (@symbol = '' OR symbol = @symbol)
  AND (@cursor::bigint IS NULL OR order_id < @cursor::bigint)
ORDER BY order_id DESC
LIMIT @limit;
`
)

// HistoryStore is the Postgres flavour of the finalized-order table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore wraps an existing pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn string) (*HistoryStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewHistoryStore(pool), nil
}

// Close releases the pool.
func (s *HistoryStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *HistoryStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history store: postgres pool not configured")
	}
	return s.pool, nil
}

// UpsertFinal inserts entry or overwrites an older record for the same order id.
func (s *HistoryStore) UpsertFinal(ctx context.Context, entry domain.HistoryEntry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	fills := entry.Fills
	if fills == nil {
		fills = []domain.Fill{}
	}
	fillsJSON, err := json.Marshal(fills)
	if err != nil {
		return errors.Wrap(err, "marshal fills")
	}

	args := pgx.NamedArgs{
		"order_id":        entry.OrderID,
		"client_order_id": entry.ClientOrderID,
		"symbol":          entry.Symbol,
		"side":            entry.Side,
		"type":            entry.Type,
		"time_in_force":   entry.TimeInForce,
		"status":          string(entry.Status),
		"price":           entry.Price.String(),
		"orig_qty":        entry.OrigQty.String(),
		"executed_qty":    entry.ExecutedQty.String(),
		"avg_price":       entry.AvgPrice.String(),
		"cumm_quote":      entry.CumQuote.String(),
		"fills":           string(fillsJSON),
		"order_list_id":   entry.OrderListID,
		"update_time":     entry.UpdateTime,
		"finalized_at":    entry.FinalizedAt,
	}
	if _, err := pool.Exec(ctx, historyUpsertSQL, args); err != nil {
		return errors.Wrapf(err, "history store: upsert order %d", entry.OrderID)
	}
	return nil
}

// Page lists records in descending order id, strictly below cursor when set.
func (s *HistoryStore) Page(ctx context.Context, symbol string, limit int, cursor *int64) (domain.HistoryPage, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return domain.HistoryPage{}, err
	}
	limit = domain.ClampPageSize(limit)

	rows, err := pool.Query(ctx, historyPageSQL, pgx.NamedArgs{
		"symbol": symbol,
		"cursor": cursor,
		"limit":  limit + 1,
	})
	if err != nil {
		return domain.HistoryPage{}, errors.Wrap(err, "history store: page")
	}
	defer rows.Close()

	page := domain.HistoryPage{Items: make([]domain.HistoryEntry, 0, limit)}
	for rows.Next() {
		var (
			entry                                       domain.HistoryEntry
			status                                      string
			price, origQty, executedQty, avg, cumQuote string
			fills                                       []byte
		)
		if err := rows.Scan(
			&entry.OrderID,
			&entry.ClientOrderID,
			&entry.Symbol,
			&entry.Side,
			&entry.Type,
			&entry.TimeInForce,
			&status,
			&price,
			&origQty,
			&executedQty,
			&avg,
			&cumQuote,
			&fills,
			&entry.OrderListID,
			&entry.UpdateTime,
			&entry.FinalizedAt,
		); err != nil {
			return domain.HistoryPage{}, errors.Wrap(err, "history store: scan")
		}

		entry.Status = domain.OrderStatus(status)
		entry.Price = parseNumeric(price)
		entry.OrigQty = parseNumeric(origQty)
		entry.ExecutedQty = parseNumeric(executedQty)
		entry.AvgPrice = parseNumeric(avg)
		entry.CumQuote = parseNumeric(cumQuote)
		entry.Fills = []domain.Fill{}
		if len(fills) > 0 {
			if err := json.Unmarshal(fills, &entry.Fills); err != nil {
				return domain.HistoryPage{}, errors.Wrapf(err, "history store: decode fills of %d", entry.OrderID)
			}
		}

		page.Items = append(page.Items, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.HistoryPage{}, errors.Wrap(err, "history store: rows")
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
		next := page.Items[limit-1].OrderID
		page.NextCursor = &next
	}
	return page, nil
}

func parseNumeric(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
