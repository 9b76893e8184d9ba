package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

// Config tunes the reconciliation engine.
type Config struct {
	// Interval is the periodic sweep cadence.
	Interval time.Duration
	// CreatedGrace is how long a Created order may sit without a broker
	// acknowledgement before it is treated as drift.
	CreatedGrace time.Duration
	// DriftTolerance is the quantity delta below which a fill mismatch
	// is ignored rather than repaired.
	DriftTolerance decimal.Decimal
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		CreatedGrace: 10 * time.Second,
	}
}

// Engine periodically compares the ledger against the broker's view and
// repairs divergence by synthesizing the missing events. Repairs flow
// through the same ledger entry point as stream events, so deduplication
// and the state machine apply unchanged.
type Engine struct {
	broker broker.Broker
	ledger *ledger.Ledger
	disp   *dispatch.Dispatcher
	cfg    Config

	trigger    chan struct{}
	driftCount atomic.Uint64
}

// New creates a reconciliation engine.
func New(b broker.Broker, l *ledger.Ledger, d *dispatch.Dispatcher, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		broker:  b,
		ledger:  l,
		disp:    d,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate reconciliation sweep. Used after stream
// reconnects, when events may have been lost. Non-blocking; a sweep
// already pending absorbs the request.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// DriftCount reports how many drift findings the engine has recorded.
func (e *Engine) DriftCount() uint64 {
	return e.driftCount.Load()
}

// RecordDrift notes one drift finding. The ledger's drift hook feeds
// buffer expiries and over-fills through here as well.
func (e *Engine) RecordDrift(orderID, detail string) {
	e.driftCount.Add(1)
	log.Warn().
		Str("order_id", orderID).
		Str("detail", detail).
		Msg("Drift recorded")
}

// Run sweeps on the configured interval and on demand until the context
// ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}

		if err := e.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Reconciliation sweep failed")
		}
	}
}

// Reconcile runs one full sweep: expire stale buffered events, fetch the
// broker's open orders, and converge every non-terminal ledger order.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.ledger.SweepBuffer()

	var brokerOpen []broker.Order
	err := e.disp.Do(ctx, dispatch.ClassPoll, func(ctx context.Context) error {
		var err error
		brokerOpen, err = e.broker.FetchOpenOrders(ctx)
		return err
	})
	if err != nil {
		return err
	}

	byBrokerID := make(map[string]broker.Order, len(brokerOpen))
	byClientID := make(map[string]broker.Order, len(brokerOpen))
	for _, o := range brokerOpen {
		if o.BrokerOrderID != "" {
			byBrokerID[o.BrokerOrderID] = o
		}
		if o.ID != "" {
			byClientID[o.ID] = o
		}
	}

	for _, ord := range e.ledger.OpenOrders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.reconcileOrder(ctx, ord, byBrokerID, byClientID)
	}
	return nil
}

func (e *Engine) reconcileOrder(ctx context.Context, ord broker.Order, byBrokerID, byClientID map[string]broker.Order) {
	remote, open := byBrokerID[ord.BrokerOrderID]
	if !open {
		remote, open = byClientID[ord.ID]
	}

	if ord.Status == broker.OrderStatusCreated {
		e.reconcileCreated(ctx, ord, remote, open)
		return
	}

	if open {
		e.reconcileOpen(ctx, ord, remote)
		return
	}
	e.reconcileAbsent(ctx, ord)
}

// reconcileCreated handles orders whose submission result never landed.
// If the broker knows the order, the ack was lost: replay the submission
// transitions. If not, the order is only drift once the grace period
// passed, since the placement may still be in flight.
func (e *Engine) reconcileCreated(ctx context.Context, ord broker.Order, remote broker.Order, open bool) {
	if open {
		log.Info().
			Str("order_id", ord.ID).
			Str("broker_order_id", remote.BrokerOrderID).
			Msg("Reconciliation found broker order for unsubmitted ledger entry")
		if _, err := e.ledger.MarkSubmitted(ctx, ord.ID, remote.BrokerOrderID); err != nil {
			log.Error().Err(err).Str("order_id", ord.ID).Msg("Failed to replay lost submission")
			return
		}
		e.apply(ctx, broker.Event{
			Type:          broker.EventAccepted,
			BrokerOrderID: remote.BrokerOrderID,
			ClientOrderID: ord.ID,
			Timestamp:     time.Now(),
		})
		return
	}

	if time.Since(ord.CreatedAt) > e.cfg.CreatedGrace {
		e.RecordDrift(ord.ID, "order stuck in created past grace period")
	}
}

// reconcileOpen converges an order both sides consider live. Missing
// acceptance and missed fills are replayed from the broker's records.
func (e *Engine) reconcileOpen(ctx context.Context, ord broker.Order, remote broker.Order) {
	if ord.Status == broker.OrderStatusSubmitted {
		e.apply(ctx, broker.Event{
			Type:          broker.EventAccepted,
			BrokerOrderID: remote.BrokerOrderID,
			ClientOrderID: ord.ID,
			Timestamp:     time.Now(),
		})
	}

	diff := remote.FilledQty.Sub(ord.FilledQty)
	switch {
	case diff.GreaterThan(e.cfg.DriftTolerance):
		e.replayFills(ctx, ord, remote.BrokerOrderID)
	case diff.LessThan(e.cfg.DriftTolerance.Neg()):
		e.RecordDrift(ord.ID, "ledger fills exceed broker fills")
	}
}

// reconcileAbsent settles an order the broker no longer lists. The
// broker's trade records decide between filled and cancelled.
func (e *Engine) reconcileAbsent(ctx context.Context, ord broker.Order) {
	if ord.BrokerOrderID == "" {
		e.RecordDrift(ord.ID, "non-terminal order has no broker order id")
		return
	}

	// An order still Submitted lost its acceptance along with the terminal
	// event. Replay the acceptance first so the settlement has its
	// prerequisite transition.
	if ord.Status == broker.OrderStatusSubmitted {
		e.apply(ctx, broker.Event{
			Type:          broker.EventAccepted,
			BrokerOrderID: ord.BrokerOrderID,
			ClientOrderID: ord.ID,
			Timestamp:     time.Now(),
		})
	}

	trades := e.replayFills(ctx, ord, ord.BrokerOrderID)
	if trades == nil {
		return
	}

	var traded decimal.Decimal
	for _, f := range trades {
		traded = traded.Add(f.Quantity)
	}

	if traded.GreaterThanOrEqual(ord.Quantity) {
		// The fills themselves already moved the order to filled.
		return
	}

	eventType := broker.EventCancelled
	if !ord.ExpiresAt.IsZero() && time.Now().After(ord.ExpiresAt) {
		eventType = broker.EventExpired
	}
	log.Info().
		Str("order_id", ord.ID).
		Str("resolution", string(eventType)).
		Str("traded", traded.String()).
		Msg("Settling order absent from broker")
	e.apply(ctx, broker.Event{
		Type:          eventType,
		BrokerOrderID: ord.BrokerOrderID,
		ClientOrderID: ord.ID,
		Reason:        "reconciliation: order not open at broker",
		Timestamp:     time.Now(),
	})
}

// replayFills fetches the broker's trades for the order and feeds each
// one through the ledger. Already-applied fills deduplicate on their
// fill ID. Returns the broker's trades, or nil when the fetch failed.
func (e *Engine) replayFills(ctx context.Context, ord broker.Order, brokerOrderID string) []broker.Fill {
	var trades []broker.Fill
	err := e.disp.Do(ctx, dispatch.ClassPoll, func(ctx context.Context) error {
		var err error
		trades, err = e.broker.FetchOrderTrades(ctx, ord.Symbol, brokerOrderID)
		return err
	})
	if err != nil {
		log.Error().Err(err).
			Str("order_id", ord.ID).
			Msg("Failed to fetch broker trades during reconciliation")
		return nil
	}

	for _, f := range trades {
		e.apply(ctx, broker.Event{
			Type:          broker.EventFill,
			BrokerOrderID: brokerOrderID,
			ClientOrderID: ord.ID,
			FillID:        f.ID,
			Quantity:      f.Quantity,
			Price:         f.Price,
			Fee:           f.Fee,
			Timestamp:     f.Timestamp,
		})
	}
	if trades == nil {
		trades = []broker.Fill{}
	}
	return trades
}

func (e *Engine) apply(ctx context.Context, ev broker.Event) {
	if err := e.ledger.ApplyBrokerEvent(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("event", string(ev.Type)).
			Str("broker_order_id", ev.BrokerOrderID).
			Msg("Failed to apply synthesized event")
	}
}
