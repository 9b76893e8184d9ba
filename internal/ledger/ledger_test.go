package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	opts := DefaultOptions()
	opts.BufferTTL = time.Second
	return New(opts)
}

func limitSpec(symbol string, side broker.Side, qty, price string) broker.OrderSpec {
	return broker.OrderSpec{
		Symbol:      symbol,
		Side:        side,
		Type:        broker.OrderTypeLimit,
		Quantity:    decimal.RequireFromString(qty),
		LimitPrice:  decimal.RequireFromString(price),
		TimeInForce: broker.TimeInForceGTC,
	}
}

func acceptOrder(t *testing.T, l *Ledger, spec broker.OrderSpec, brokerID string) broker.Order {
	t.Helper()
	ctx := context.Background()

	ord, err := l.Create(ctx, spec)
	require.NoError(t, err)

	_, err = l.MarkSubmitted(ctx, ord.ID, brokerID)
	require.NoError(t, err)

	err = l.ApplyBrokerEvent(ctx, broker.Event{
		Type:          broker.EventAccepted,
		BrokerOrderID: brokerID,
		Timestamp:     time.Now(),
	})
	require.NoError(t, err)

	ord, err = l.Get(ord.ID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderStatusAccepted, ord.Status)
	return ord
}

func fillEvent(brokerID, fillID, qty, price string) broker.Event {
	return broker.Event{
		Type:          broker.EventFill,
		BrokerOrderID: brokerID,
		FillID:        fillID,
		Quantity:      decimal.RequireFromString(qty),
		Price:         decimal.RequireFromString(price),
		Fee:           decimal.Zero,
		Timestamp:     time.Now(),
	}
}

func TestCreateValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	t.Run("rejects zero quantity", func(t *testing.T) {
		spec := limitSpec("AAPL", broker.SideBuy, "0", "100")
		_, err := l.Create(ctx, spec)
		var verr *broker.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "quantity", verr.Field)
	})

	t.Run("rejects limit order without price", func(t *testing.T) {
		spec := limitSpec("AAPL", broker.SideBuy, "10", "100")
		spec.LimitPrice = decimal.Zero
		_, err := l.Create(ctx, spec)
		var verr *broker.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("valid order starts in created", func(t *testing.T) {
		ord, err := l.Create(ctx, limitSpec("AAPL", broker.SideBuy, "10", "100"))
		require.NoError(t, err)
		assert.NotEmpty(t, ord.ID)
		assert.Equal(t, broker.OrderStatusCreated, ord.Status)
		assert.True(t, ord.FilledQty.IsZero())
	})
}

func TestLifecycleToFilled(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "99.90"), "B-1")

	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "6", "99.50")))

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("6")))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("99.50")),
		"avg fill price %s", got.AvgFillPrice)

	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-2", "4", "99.80")))

	got, err = l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(got.Quantity))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("99.62")),
		"avg fill price %s", got.AvgFillPrice)

	fills, err := l.Fills(ord.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}

func TestFillIdempotence(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), "B-1")

	ev := fillEvent("B-1", "F-1", "6", "99.50")
	require.NoError(t, l.ApplyBrokerEvent(ctx, ev))
	require.NoError(t, l.ApplyBrokerEvent(ctx, ev))
	require.NoError(t, l.ApplyBrokerEvent(ctx, ev))

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("6")),
		"duplicate fill must not double-count: filled %s", got.FilledQty)

	fills, err := l.Fills(ord.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "5", "100"), "B-1")
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "5", "100")))

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderStatusFilled, got.Status)

	// A late cancel confirmation must not move a settled order.
	require.NoError(t, l.ApplyBrokerEvent(ctx, broker.Event{
		Type:          broker.EventCancelled,
		BrokerOrderID: "B-1",
		Timestamp:     time.Now(),
	}))

	got, err = l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, got.Status)
}

func TestInvalidTransitions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord, err := l.Create(ctx, limitSpec("AAPL", broker.SideBuy, "10", "100"))
	require.NoError(t, err)

	_, err = l.MarkSubmitted(ctx, ord.ID, "B-1")
	require.NoError(t, err)

	t.Run("double submit", func(t *testing.T) {
		_, err := l.MarkSubmitted(ctx, ord.ID, "B-1")
		var terr *broker.InvalidTransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, broker.OrderStatusSubmitted, terr.From)
	})

	t.Run("cancel request on created order", func(t *testing.T) {
		fresh, err := l.Create(ctx, limitSpec("MSFT", broker.SideBuy, "1", "400"))
		require.NoError(t, err)
		_, err = l.RequestCancel(fresh.ID)
		var terr *broker.InvalidTransitionError
		require.ErrorAs(t, err, &terr)
	})
}

func TestOutOfOrderFillBuffered(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord, err := l.Create(ctx, limitSpec("AAPL", broker.SideBuy, "10", "100"))
	require.NoError(t, err)
	_, err = l.MarkSubmitted(ctx, ord.ID, "B-1")
	require.NoError(t, err)

	// Fill arrives before the acceptance.
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "10", "100")))

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusSubmitted, got.Status)
	assert.Equal(t, 1, l.BufferedEvents())

	require.NoError(t, l.ApplyBrokerEvent(ctx, broker.Event{
		Type:          broker.EventAccepted,
		BrokerOrderID: "B-1",
		Timestamp:     time.Now(),
	}))

	got, err = l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, got.Status)
	assert.Equal(t, 0, l.BufferedEvents())
}

func TestEventBeforeSubmitAckBuffered(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord, err := l.Create(ctx, limitSpec("AAPL", broker.SideBuy, "10", "100"))
	require.NoError(t, err)

	// The stream beats the placement ack: broker ID is not linked yet.
	require.NoError(t, l.ApplyBrokerEvent(ctx, broker.Event{
		Type:          broker.EventAccepted,
		BrokerOrderID: "B-1",
		ClientOrderID: ord.ID,
		Timestamp:     time.Now(),
	}))

	// ClientOrderID resolves the order, but Created cannot accept yet.
	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderStatusCreated, got.Status)
	require.Equal(t, 1, l.BufferedEvents())

	_, err = l.MarkSubmitted(ctx, ord.ID, "B-1")
	require.NoError(t, err)

	got, err = l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusAccepted, got.Status)
}

func TestFillSurvivesDrainBeforeAcceptance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord, err := l.Create(ctx, limitSpec("AAPL", broker.SideBuy, "10", "100"))
	require.NoError(t, err)

	// Fill arrives while the order is still Created and the broker id is
	// not linked yet.
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "10", "100")))
	require.Equal(t, 1, l.BufferedEvents())

	// The submit ack drains the buffer, but the acceptance is still
	// missing, so the fill must be parked again rather than dropped.
	_, err = l.MarkSubmitted(ctx, ord.ID, "B-1")
	require.NoError(t, err)

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderStatusSubmitted, got.Status)
	require.True(t, got.FilledQty.IsZero())
	require.Equal(t, 1, l.BufferedEvents(), "undeliverable fill must stay buffered")

	require.NoError(t, l.ApplyBrokerEvent(ctx, broker.Event{
		Type:          broker.EventAccepted,
		BrokerOrderID: "B-1",
		Timestamp:     time.Now(),
	}))

	got, err = l.Get(ord.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(got.Quantity))
	assert.Equal(t, 0, l.BufferedEvents())
}

func TestBufferExpiryFlagsDrift(t *testing.T) {
	opts := DefaultOptions()
	opts.BufferTTL = 10 * time.Millisecond
	l := New(opts)

	var mu sync.Mutex
	var drifted []string
	l.OnDrift(func(orderID, detail string) {
		mu.Lock()
		drifted = append(drifted, orderID)
		mu.Unlock()
	})

	require.NoError(t, l.ApplyBrokerEvent(context.Background(), fillEvent("B-unknown", "F-1", "1", "10")))
	require.Equal(t, 1, l.BufferedEvents())

	time.Sleep(20 * time.Millisecond)
	l.SweepBuffer()

	assert.Equal(t, 0, l.BufferedEvents())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, drifted, 1)
	assert.Equal(t, "B-unknown", drifted[0])
}

func TestOverfillFlagsDrift(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), "B-1")
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "8", "100")))

	err := l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-2", "5", "100"))
	var derr *broker.DriftError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ord.ID, derr.OrderID)

	got, err := l.Get(ord.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("8")),
		"overfilling event must not be applied")
}

func TestCancelFlow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	t.Run("cancel confirmed", func(t *testing.T) {
		ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), "B-1")

		snap, err := l.RequestCancel(ord.ID)
		require.NoError(t, err)
		assert.True(t, snap.CancelPending)

		require.NoError(t, l.ApplyBrokerEvent(ctx, broker.Event{
			Type:          broker.EventCancelled,
			BrokerOrderID: "B-1",
			Timestamp:     time.Now(),
		}))

		got, err := l.Get(ord.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.OrderStatusCancelled, got.Status)
		assert.False(t, got.CancelPending)
	})

	t.Run("fill beats cancel", func(t *testing.T) {
		ord := acceptOrder(t, l, limitSpec("MSFT", broker.SideBuy, "5", "400"), "B-2")

		_, err := l.RequestCancel(ord.ID)
		require.NoError(t, err)

		require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-2", "F-9", "5", "400")))

		got, err := l.Get(ord.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.OrderStatusFilled, got.Status)
		assert.False(t, got.CancelPending)
	})

	t.Run("cancel refused restores flag", func(t *testing.T) {
		ord := acceptOrder(t, l, limitSpec("NVDA", broker.SideSell, "2", "120"), "B-3")

		_, err := l.RequestCancel(ord.ID)
		require.NoError(t, err)

		l.ClearCancelPending(ord.ID)

		got, err := l.Get(ord.ID)
		require.NoError(t, err)
		assert.False(t, got.CancelPending)
		assert.Equal(t, broker.OrderStatusAccepted, got.Status)
	})
}

func TestTransitionHookOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seq []broker.OrderStatus
	l.OnTransition(func(tr Transition) {
		mu.Lock()
		seq = append(seq, tr.To)
		mu.Unlock()
	})

	ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), "B-1")
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "4", "99")))
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-2", "6", "99")))

	_ = ord
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []broker.OrderStatus{
		broker.OrderStatusCreated,
		broker.OrderStatusSubmitted,
		broker.OrderStatusAccepted,
		broker.OrderStatusPartiallyFilled,
		broker.OrderStatusFilled,
	}, seq)
}

func TestPositionSnapshot(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	buy := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), "B-1")
	sell := acceptOrder(t, l, limitSpec("AAPL", broker.SideSell, "4", "110"), "B-2")
	other := acceptOrder(t, l, limitSpec("MSFT", broker.SideBuy, "3", "400"), "B-3")

	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-1", "F-1", "10", "100")))
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-2", "F-2", "4", "110")))
	require.NoError(t, l.ApplyBrokerEvent(ctx, fillEvent("B-3", "F-3", "3", "400")))

	positions := l.PositionSnapshot()
	require.Len(t, positions, 2)

	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.True(t, positions[0].Quantity.Equal(decimal.RequireFromString("6")),
		"net AAPL quantity %s", positions[0].Quantity)
	assert.True(t, positions[0].CostBasis.Equal(decimal.RequireFromString("560")),
		"AAPL cost basis %s", positions[0].CostBasis)

	assert.Equal(t, "MSFT", positions[1].Symbol)
	assert.True(t, positions[1].Quantity.Equal(decimal.RequireFromString("3")))

	_, _, _ = buy, sell, other
}

func TestConcurrentFillsAcrossOrders(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const orders = 20
	ids := make([]string, orders)
	for i := range ids {
		brokerID := fmt.Sprintf("B-%d", i)
		ord := acceptOrder(t, l, limitSpec("AAPL", broker.SideBuy, "10", "100"), brokerID)
		ids[i] = ord.ID
	}

	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			brokerID := fmt.Sprintf("B-%d", i)
			for j := 0; j < 10; j++ {
				fillID := fmt.Sprintf("F-%d-%d", i, j)
				_ = l.ApplyBrokerEvent(ctx, fillEvent(brokerID, fillID, "1", "100"))
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := l.Get(id)
		require.NoError(t, err)
		assert.Equal(t, broker.OrderStatusFilled, got.Status)
		assert.True(t, got.FilledQty.Equal(got.Quantity))
	}
	assert.Empty(t, l.OpenOrders())
}
