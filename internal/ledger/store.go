package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// Store persists orders and fills. Persistence completes before any
// domain event for the same transition is published.
type Store interface {
	UpsertOrder(ctx context.Context, ord broker.Order) error
	InsertFill(ctx context.Context, fill broker.Fill) error
	LoadOpenOrders(ctx context.Context) ([]broker.Order, error)
	LoadFills(ctx context.Context, orderID string) ([]broker.Fill, error)
}

// PoolInterface abstracts the pgx pool for testing with mocks.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the PostgreSQL-backed store.
type PgStore struct {
	pool PoolInterface
}

// NewPgStore creates a store with any pool implementation.
func NewPgStore(pool PoolInterface) *PgStore {
	return &PgStore{pool: pool}
}

// NewPgStoreWithPool creates a store with a real pgx pool.
func NewPgStoreWithPool(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// UpsertOrder writes the full current state of an order.
func (s *PgStore) UpsertOrder(ctx context.Context, ord broker.Order) error {
	query := `
		INSERT INTO orders (
			id, broker_order_id, symbol, side, type, quantity,
			limit_price, stop_price, time_in_force, status,
			filled_qty, avg_fill_price, fees, cancel_pending,
			reject_reason, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			broker_order_id = EXCLUDED.broker_order_id,
			status = EXCLUDED.status,
			filled_qty = EXCLUDED.filled_qty,
			avg_fill_price = EXCLUDED.avg_fill_price,
			fees = EXCLUDED.fees,
			cancel_pending = EXCLUDED.cancel_pending,
			reject_reason = EXCLUDED.reject_reason,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		ord.ID, ord.BrokerOrderID, ord.Symbol, string(ord.Side), string(ord.Type),
		ord.Quantity, ord.LimitPrice, ord.StopPrice, string(ord.TimeInForce),
		string(ord.Status), ord.FilledQty, ord.AvgFillPrice, ord.Fees,
		ord.CancelPending, ord.RejectReason, ord.CreatedAt, ord.UpdatedAt, ord.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting order %s: %w", ord.ID, err)
	}
	return nil
}

// InsertFill records one fill. Re-inserting the same fill ID is a no-op,
// which keeps replayed events idempotent at the persistence layer too.
func (s *PgStore) InsertFill(ctx context.Context, fill broker.Fill) error {
	query := `
		INSERT INTO fills (id, order_id, quantity, price, fee, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.OrderID, fill.Quantity, fill.Price, fill.Fee, fill.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting fill %s: %w", fill.ID, err)
	}
	return nil
}

// LoadOpenOrders returns all non-terminal orders, used to rebuild the
// in-memory ledger on startup.
func (s *PgStore) LoadOpenOrders(ctx context.Context) ([]broker.Order, error) {
	query := `
		SELECT id, broker_order_id, symbol, side, type, quantity,
			limit_price, stop_price, time_in_force, status,
			filled_qty, avg_fill_price, fees, cancel_pending,
			reject_reason, created_at, updated_at, expires_at
		FROM orders
		WHERE status NOT IN ('filled', 'cancelled', 'rejected', 'expired')
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading open orders: %w", err)
	}
	defer rows.Close()

	var orders []broker.Order
	for rows.Next() {
		var ord broker.Order
		var side, otype, tif, status string
		err := rows.Scan(&ord.ID, &ord.BrokerOrderID, &ord.Symbol, &side, &otype,
			&ord.Quantity, &ord.LimitPrice, &ord.StopPrice, &tif, &status,
			&ord.FilledQty, &ord.AvgFillPrice, &ord.Fees, &ord.CancelPending,
			&ord.RejectReason, &ord.CreatedAt, &ord.UpdatedAt, &ord.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		ord.Side = broker.Side(side)
		ord.Type = broker.OrderType(otype)
		ord.TimeInForce = broker.TimeInForce(tif)
		ord.Status = broker.OrderStatus(status)
		orders = append(orders, ord)
	}
	return orders, rows.Err()
}

// LoadFills returns the persisted fills for one order in timestamp order.
func (s *PgStore) LoadFills(ctx context.Context, orderID string) ([]broker.Fill, error) {
	query := `
		SELECT id, order_id, quantity, price, fee, timestamp
		FROM fills
		WHERE order_id = $1
		ORDER BY timestamp, id
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var fills []broker.Fill
	for rows.Next() {
		var f broker.Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Quantity, &f.Price, &f.Fee, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning fill row: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Restore seeds the in-memory ledger from persisted state. Intended for
// startup, before any events flow.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	orders, err := l.store.LoadOpenOrders(ctx)
	if err != nil {
		return err
	}

	for _, ord := range orders {
		fills, err := l.store.LoadFills(ctx, ord.ID)
		if err != nil {
			return err
		}

		entry := &orderEntry{
			order: ord,
			fills: fills,
			seen:  make(map[string]struct{}, len(fills)),
		}
		for _, f := range fills {
			entry.seen["fill:"+f.ID] = struct{}{}
		}

		l.mu.Lock()
		l.orders[ord.ID] = entry
		if ord.BrokerOrderID != "" {
			l.byBroker[ord.BrokerOrderID] = ord.ID
		}
		l.mu.Unlock()
	}
	return nil
}
