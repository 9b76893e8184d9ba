package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

// Engine coordinates the order lifecycle: it records intents in the ledger,
// pushes them through the rate-limited dispatcher to the broker, and settles
// the synchronous half of each operation. Asynchronous outcomes arrive
// through the stream consumer and reconciler, not here.
type Engine struct {
	broker broker.Broker
	ledger *ledger.Ledger
	disp   *dispatch.Dispatcher
	retry  dispatch.RetryConfig

	// inflight guards submission per local order id: at most one broker
	// submission attempt runs for a given id at any time.
	inflight sync.Map
}

// New creates an execution engine on top of an already-wired ledger and
// dispatcher.
func New(b broker.Broker, l *ledger.Ledger, d *dispatch.Dispatcher, retry dispatch.RetryConfig) *Engine {
	return &Engine{
		broker: b,
		ledger: l,
		disp:   d,
		retry:  retry,
	}
}

// PlaceOrder records a new order and submits it to the broker. The returned
// snapshot reflects the synchronous outcome: Submitted on a plain ack,
// Accepted when the broker acknowledges acceptance in the ack itself, and
// Rejected for synchronous rejections.
//
// A submission that fails with a transient error after retries leaves the
// order in Created; the broker may or may not have received it, and the
// reconciler settles it either way.
func (e *Engine) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.Order, error) {
	ord, err := e.ledger.Create(ctx, spec)
	if err != nil {
		return broker.Order{}, err
	}
	return e.submit(ctx, ord, spec)
}

// Resubmit retries submission of an order stuck in Created after an earlier
// attempt failed with unknown outcome. The local id rides along as the
// idempotency token again, so a broker that did receive the first attempt
// returns the original acknowledgement instead of a duplicate order.
func (e *Engine) Resubmit(ctx context.Context, orderID string) (broker.Order, error) {
	ord, err := e.ledger.Get(orderID)
	if err != nil {
		return broker.Order{}, err
	}
	if ord.Status != broker.OrderStatusCreated {
		return broker.Order{}, &broker.InvalidTransitionError{
			OrderID: orderID,
			From:    ord.Status,
			To:      broker.OrderStatusSubmitted,
		}
	}

	spec := broker.OrderSpec{
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		Type:        ord.Type,
		Quantity:    ord.Quantity,
		LimitPrice:  ord.LimitPrice,
		StopPrice:   ord.StopPrice,
		TimeInForce: ord.TimeInForce,
		ExpiresAt:   ord.ExpiresAt,
	}
	return e.submit(ctx, ord, spec)
}

func (e *Engine) submit(ctx context.Context, ord broker.Order, spec broker.OrderSpec) (broker.Order, error) {
	if _, busy := e.inflight.LoadOrStore(ord.ID, struct{}{}); busy {
		return broker.Order{}, fmt.Errorf("submission already in flight for order %s", ord.ID)
	}
	defer e.inflight.Delete(ord.ID)

	var ack *broker.Ack
	err := dispatch.WithRetry(ctx, e.retry, func() error {
		return e.disp.Do(ctx, dispatch.ClassTrade, func(ctx context.Context) error {
			var placeErr error
			ack, placeErr = e.broker.PlaceOrder(ctx, spec, ord.ID)
			return placeErr
		})
	})

	if err != nil {
		var rej *broker.RejectedError
		if errors.As(err, &rej) {
			// Definitive answer: the broker saw the order and refused it.
			if _, serr := e.ledger.MarkSubmitted(ctx, ord.ID, ""); serr != nil {
				return broker.Order{}, serr
			}
			return e.ledger.MarkRejected(ctx, ord.ID, rej.Reason)
		}
		// Transport failure with unknown outcome. The order stays Created
		// and reconciliation decides whether it reached the broker.
		log.Error().
			Err(err).
			Str("order_id", ord.ID).
			Str("symbol", spec.Symbol).
			Msg("Order submission failed")
		return ord, fmt.Errorf("submit order %s: %w", ord.ID, err)
	}

	ord, err = e.ledger.MarkSubmitted(ctx, ord.ID, ack.BrokerOrderID)
	if err != nil {
		return broker.Order{}, err
	}

	switch ack.Status {
	case broker.OrderStatusAccepted, broker.OrderStatusPartiallyFilled, broker.OrderStatusFilled:
		// Fold the acceptance now rather than waiting for the feed copy;
		// the shared dedup key makes the feed copy a no-op.
		if err := e.ledger.ApplyBrokerEvent(ctx, broker.Event{
			Type:          broker.EventAccepted,
			BrokerOrderID: ack.BrokerOrderID,
			ClientOrderID: ord.ID,
			Timestamp:     ord.UpdatedAt,
		}); err != nil {
			return broker.Order{}, err
		}
		return e.ledger.Get(ord.ID)
	case broker.OrderStatusRejected:
		return e.ledger.MarkRejected(ctx, ord.ID, "rejected in submission ack")
	}
	return ord, nil
}

// CancelOrder requests cancellation of an open order. The order is flagged
// cancel-pending while the request is in flight; the actual Cancelled
// transition arrives from the broker. When the broker refuses because the
// order already settled, the flag is cleared and the refusal is returned.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	ord, err := e.ledger.RequestCancel(orderID)
	if err != nil {
		return err
	}
	if ord.BrokerOrderID == "" {
		e.ledger.ClearCancelPending(orderID)
		return fmt.Errorf("order %s has no broker order ID yet", orderID)
	}

	err = dispatch.WithRetry(ctx, e.retry, func() error {
		return e.disp.Do(ctx, dispatch.ClassTrade, func(ctx context.Context) error {
			return e.broker.CancelOrder(ctx, ord.Symbol, ord.BrokerOrderID)
		})
	})

	if broker.IsRejected(err) {
		// The order settled before the cancel arrived. Whatever it settled
		// to is already on its way over the feed.
		e.ledger.ClearCancelPending(orderID)
		log.Info().
			Str("order_id", orderID).
			Err(err).
			Msg("Cancel refused, order already settled at broker")
		return err
	}
	if err != nil {
		// Unknown outcome: keep the flag so the reconciler knows a cancel
		// was intended.
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// Balances polls the broker for current account balances.
func (e *Engine) Balances(ctx context.Context) ([]broker.Balance, error) {
	var balances []broker.Balance
	err := e.disp.Do(ctx, dispatch.ClassPoll, func(ctx context.Context) error {
		var ferr error
		balances, ferr = e.broker.FetchAccountBalances(ctx)
		return ferr
	})
	return balances, err
}

// Order returns the ledger's view of one order.
func (e *Engine) Order(orderID string) (broker.Order, error) {
	return e.ledger.Get(orderID)
}

// OpenOrders returns all orders not yet terminally settled.
func (e *Engine) OpenOrders() []broker.Order {
	return e.ledger.OpenOrders()
}

// Fills returns the committed fills for one order.
func (e *Engine) Fills(orderID string) ([]broker.Fill, error) {
	return e.ledger.Fills(orderID)
}

// Positions returns the per-symbol aggregates folded from committed fills.
func (e *Engine) Positions() []broker.Position {
	return e.ledger.PositionSnapshot()
}
