package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

var orderColumns = []string{
	"id", "broker_order_id", "symbol", "side", "type", "quantity",
	"limit_price", "stop_price", "time_in_force", "status",
	"filled_qty", "avg_fill_price", "fees", "cancel_pending",
	"reject_reason", "created_at", "updated_at", "expires_at",
}

func TestPgStoreUpsertOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock)

	ord := broker.Order{
		ID:          "ord-1",
		Symbol:      "AAPL",
		Side:        broker.SideBuy,
		Type:        broker.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("10"),
		LimitPrice:  decimal.RequireFromString("100"),
		TimeInForce: broker.TimeInForceGTC,
		Status:      broker.OrderStatusCreated,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	anyArgs := make([]interface{}, len(orderColumns))
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO orders").
		WithArgs(anyArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.UpsertOrder(context.Background(), ord)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInsertFill(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock)

	now := time.Now()
	fill := broker.Fill{
		ID:        "F-1",
		OrderID:   "ord-1",
		Quantity:  decimal.RequireFromString("6"),
		Price:     decimal.RequireFromString("99.50"),
		Fee:       decimal.RequireFromString("0.10"),
		Timestamp: now,
	}

	mock.ExpectExec("INSERT INTO fills").
		WithArgs(fill.ID, fill.OrderID, fill.Quantity, fill.Price, fill.Fee, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.InsertFill(context.Background(), fill)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreLoadOpenOrders(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock)
	now := time.Now()

	rows := pgxmock.NewRows(orderColumns).
		AddRow("ord-1", "B-1", "AAPL", "buy", "limit", decimal.RequireFromString("10"),
			decimal.RequireFromString("100"), decimal.Zero, "gtc", "accepted",
			decimal.RequireFromString("4"), decimal.RequireFromString("99.50"),
			decimal.Zero, false, "", now, now, time.Time{})

	mock.ExpectQuery("SELECT (.+) FROM orders").WillReturnRows(rows)

	orders, err := store.LoadOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)

	assert.Equal(t, "ord-1", orders[0].ID)
	assert.Equal(t, broker.OrderStatusAccepted, orders[0].Status)
	assert.Equal(t, broker.SideBuy, orders[0].Side)
	assert.True(t, orders[0].FilledQty.Equal(decimal.RequireFromString("4")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreDiscardsReplayedAcceptance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()

	orderRows := pgxmock.NewRows(orderColumns).
		AddRow("ord-1", "B-1", "AAPL", "buy", "limit", decimal.RequireFromString("10"),
			decimal.RequireFromString("100"), decimal.Zero, "gtc", "accepted",
			decimal.Zero, decimal.Zero, decimal.Zero, false, "", now, now, time.Time{})
	mock.ExpectQuery("SELECT (.+) FROM orders").WillReturnRows(orderRows)

	fillRows := pgxmock.NewRows([]string{"id", "order_id", "quantity", "price", "fee", "timestamp"})
	mock.ExpectQuery("SELECT (.+) FROM fills").WithArgs("ord-1").WillReturnRows(fillRows)

	opts := DefaultOptions()
	opts.Store = NewPgStore(mock)
	l := New(opts)
	require.NoError(t, l.Restore(context.Background()))

	// A cursor resubscription after restart replays the acceptance. The
	// restored order is already Accepted, so the event is stale and must
	// be discarded, not parked until the buffer window expires.
	require.NoError(t, l.ApplyBrokerEvent(context.Background(), broker.Event{
		Type:          broker.EventAccepted,
		BrokerOrderID: "B-1",
		ClientOrderID: "ord-1",
		Timestamp:     now,
	}))

	assert.Equal(t, 0, l.BufferedEvents(), "stale acceptance must not be buffered")
	got, err := l.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusAccepted, got.Status)
}

func TestRestoreRebuildsLedger(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()

	orderRows := pgxmock.NewRows(orderColumns).
		AddRow("ord-1", "B-1", "AAPL", "buy", "limit", decimal.RequireFromString("10"),
			decimal.RequireFromString("100"), decimal.Zero, "gtc", "partially_filled",
			decimal.RequireFromString("6"), decimal.RequireFromString("99.50"),
			decimal.Zero, false, "", now, now, time.Time{})
	mock.ExpectQuery("SELECT (.+) FROM orders").WillReturnRows(orderRows)

	fillRows := pgxmock.NewRows([]string{"id", "order_id", "quantity", "price", "fee", "timestamp"}).
		AddRow("F-1", "ord-1", decimal.RequireFromString("6"),
			decimal.RequireFromString("99.50"), decimal.Zero, now)
	mock.ExpectQuery("SELECT (.+) FROM fills").WithArgs("ord-1").WillReturnRows(fillRows)

	opts := DefaultOptions()
	opts.Store = NewPgStore(mock)
	l := New(opts)

	require.NoError(t, l.Restore(context.Background()))

	got, err := l.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("6")))

	// The restored fill must stay deduplicated; no write is expected.
	ev := broker.Event{
		Type:          broker.EventFill,
		BrokerOrderID: "B-1",
		FillID:        "F-1",
		Quantity:      decimal.RequireFromString("6"),
		Price:         decimal.RequireFromString("99.50"),
		Timestamp:     now,
	}
	require.NoError(t, l.ApplyBrokerEvent(context.Background(), ev))

	got, err = l.Get("ord-1")
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("6")),
		"replayed fill must not double-count")

	// GetByBrokerID works after restore.
	byBroker, err := l.GetByBrokerID("B-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", byBroker.ID)
}
