package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// Transition describes one committed order state change. Hooks receive a
// copy of the order as of the transition.
type Transition struct {
	Order broker.Order
	From  broker.OrderStatus
	To    broker.OrderStatus
	Fill  *broker.Fill
}

// TransitionHook is invoked after a transition has been committed, outside
// of any order lock. Hooks must not block for long.
type TransitionHook func(Transition)

// DriftHook is invoked when the ledger detects state it cannot reconcile
// on its own, such as an over-fill or an expired buffered event.
type DriftHook func(orderID, detail string)

// Options tunes ledger behavior.
type Options struct {
	// BufferSize bounds the out-of-sequence event buffer.
	BufferSize int
	// BufferTTL bounds how long an out-of-sequence event may wait for
	// its prerequisite transition.
	BufferTTL time.Duration
	// Store, when set, persists orders and fills before hooks fire.
	Store Store
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize: 1024,
		BufferTTL:  30 * time.Second,
	}
}

// validTransitions is the order state machine. Terminal states have no
// outgoing edges; once reached, the order never moves again.
var validTransitions = map[broker.OrderStatus]map[broker.OrderStatus]bool{
	broker.OrderStatusCreated: {
		broker.OrderStatusSubmitted: true,
	},
	broker.OrderStatusSubmitted: {
		broker.OrderStatusAccepted: true,
		broker.OrderStatusRejected: true,
	},
	broker.OrderStatusAccepted: {
		broker.OrderStatusPartiallyFilled: true,
		broker.OrderStatusFilled:          true,
		broker.OrderStatusCancelled:       true,
		broker.OrderStatusExpired:         true,
		broker.OrderStatusRejected:        true,
	},
	broker.OrderStatusPartiallyFilled: {
		broker.OrderStatusPartiallyFilled: true,
		broker.OrderStatusFilled:          true,
		broker.OrderStatusCancelled:       true,
		broker.OrderStatusExpired:         true,
	},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to broker.OrderStatus) bool {
	return validTransitions[from][to]
}

// errStaleEvent marks an event already behind the order's progress, such
// as an acceptance replayed for an order that is past Accepted. Stale
// events are discarded rather than buffered.
var errStaleEvent = errors.New("stale broker event")

type orderEntry struct {
	mu    sync.Mutex
	order broker.Order
	fills []broker.Fill
	seen  map[string]struct{}
}

// Ledger is the authoritative record of every order's lifecycle. All
// mutations to a single order are serialized through that order's lock;
// different orders progress concurrently.
type Ledger struct {
	mu       sync.RWMutex
	orders   map[string]*orderEntry
	byBroker map[string]string

	buffer *eventBuffer
	store  Store

	hooksMu sync.RWMutex
	hooks   []TransitionHook
	drift   DriftHook
}

// New creates a ledger with the given options.
func New(opts Options) *Ledger {
	l := &Ledger{
		orders:   make(map[string]*orderEntry),
		byBroker: make(map[string]string),
		store:    opts.Store,
	}
	l.buffer = newEventBuffer(opts.BufferSize, opts.BufferTTL, func(ev broker.Event, reason string) {
		orderID := ev.ClientOrderID
		if orderID == "" {
			orderID = ev.BrokerOrderID
		}
		log.Warn().
			Str("order_id", orderID).
			Str("event", string(ev.Type)).
			Str("reason", reason).
			Msg("Dropped buffered broker event, flagging for reconciliation")
		l.notifyDrift(orderID, fmt.Sprintf("dropped buffered %s event: %s", ev.Type, reason))
	})
	return l
}

// OnTransition registers a hook fired after every committed transition.
func (l *Ledger) OnTransition(h TransitionHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, h)
}

// OnDrift registers the drift hook. Only one hook is kept.
func (l *Ledger) OnDrift(h DriftHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.drift = h
}

func (l *Ledger) notifyDrift(orderID, detail string) {
	l.hooksMu.RLock()
	h := l.drift
	l.hooksMu.RUnlock()
	if h != nil {
		h(orderID, detail)
	}
}

func (l *Ledger) emit(transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	l.hooksMu.RLock()
	hooks := l.hooks
	l.hooksMu.RUnlock()
	for _, tr := range transitions {
		for _, h := range hooks {
			h(tr)
		}
	}
}

// Create validates the spec and records a new order in Created state. The
// returned order carries a fresh ledger-assigned ID used as the broker
// client order ID for idempotent submission.
func (l *Ledger) Create(ctx context.Context, spec broker.OrderSpec) (broker.Order, error) {
	if err := spec.Validate(); err != nil {
		return broker.Order{}, err
	}

	now := time.Now().UTC()
	ord := broker.Order{
		ID:          uuid.New().String(),
		Symbol:      spec.Symbol,
		Side:        spec.Side,
		Type:        spec.Type,
		Quantity:    spec.Quantity,
		LimitPrice:  spec.LimitPrice,
		StopPrice:   spec.StopPrice,
		TimeInForce: spec.TimeInForce,
		Status:      broker.OrderStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   spec.ExpiresAt,
	}

	entry := &orderEntry{
		order: ord,
		seen:  make(map[string]struct{}),
	}

	l.mu.Lock()
	l.orders[ord.ID] = entry
	l.mu.Unlock()

	if err := l.persistOrder(ctx, ord, nil); err != nil {
		return broker.Order{}, err
	}

	log.Info().
		Str("order_id", ord.ID).
		Str("symbol", spec.Symbol).
		Str("side", string(spec.Side)).
		Str("type", string(spec.Type)).
		Str("quantity", spec.Quantity.String()).
		Msg("Order created")

	l.emit([]Transition{{Order: ord, From: "", To: broker.OrderStatusCreated}})
	return ord, nil
}

// MarkSubmitted moves a Created order to Submitted and links the broker
// order ID reported by the placement ack. An empty brokerOrderID is
// permitted for synchronous rejections that never received one.
func (l *Ledger) MarkSubmitted(ctx context.Context, orderID, brokerOrderID string) (broker.Order, error) {
	entry, err := l.entry(orderID)
	if err != nil {
		return broker.Order{}, err
	}

	entry.mu.Lock()
	from := entry.order.Status
	if !CanTransition(from, broker.OrderStatusSubmitted) {
		entry.mu.Unlock()
		return broker.Order{}, &broker.InvalidTransitionError{
			OrderID: orderID,
			From:    from,
			To:      broker.OrderStatusSubmitted,
		}
	}
	entry.order.Status = broker.OrderStatusSubmitted
	entry.order.BrokerOrderID = brokerOrderID
	entry.order.UpdatedAt = time.Now().UTC()
	ord := entry.order
	entry.mu.Unlock()

	if brokerOrderID != "" {
		l.mu.Lock()
		l.byBroker[brokerOrderID] = orderID
		l.mu.Unlock()
	}

	if err := l.persistOrder(ctx, ord, nil); err != nil {
		return broker.Order{}, err
	}

	log.Info().
		Str("order_id", orderID).
		Str("broker_order_id", brokerOrderID).
		Msg("Order submitted to broker")

	l.emit([]Transition{{Order: ord, From: from, To: broker.OrderStatusSubmitted}})

	// Events that raced ahead of the ack can now be replayed.
	l.drainBuffered(ctx, orderID, brokerOrderID)
	return ord, nil
}

// MarkRejected moves a Submitted order to Rejected. Used for synchronous
// broker rejections; asynchronous ones arrive through ApplyBrokerEvent.
func (l *Ledger) MarkRejected(ctx context.Context, orderID, reason string) (broker.Order, error) {
	entry, err := l.entry(orderID)
	if err != nil {
		return broker.Order{}, err
	}

	entry.mu.Lock()
	from := entry.order.Status
	if !CanTransition(from, broker.OrderStatusRejected) {
		entry.mu.Unlock()
		return broker.Order{}, &broker.InvalidTransitionError{
			OrderID: orderID,
			From:    from,
			To:      broker.OrderStatusRejected,
		}
	}
	entry.order.Status = broker.OrderStatusRejected
	entry.order.RejectReason = reason
	entry.order.CancelPending = false
	entry.order.UpdatedAt = time.Now().UTC()
	ord := entry.order
	entry.mu.Unlock()

	if err := l.persistOrder(ctx, ord, nil); err != nil {
		return broker.Order{}, err
	}

	log.Warn().
		Str("order_id", orderID).
		Str("reason", reason).
		Msg("Order rejected by broker")

	l.emit([]Transition{{Order: ord, From: from, To: broker.OrderStatusRejected}})
	return ord, nil
}

// RequestCancel flags a cancellable order as cancel-pending and returns a
// snapshot for the broker call. The order status itself only changes when
// the broker confirms the cancellation.
func (l *Ledger) RequestCancel(orderID string) (broker.Order, error) {
	entry, err := l.entry(orderID)
	if err != nil {
		return broker.Order{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.order.Status {
	case broker.OrderStatusSubmitted, broker.OrderStatusAccepted, broker.OrderStatusPartiallyFilled:
	default:
		return broker.Order{}, &broker.InvalidTransitionError{
			OrderID: orderID,
			From:    entry.order.Status,
			To:      broker.OrderStatusCancelled,
		}
	}

	entry.order.CancelPending = true
	entry.order.UpdatedAt = time.Now().UTC()
	return entry.order, nil
}

// ClearCancelPending reverts the cancel-pending flag, for cancel requests
// the broker refused.
func (l *Ledger) ClearCancelPending(orderID string) {
	entry, err := l.entry(orderID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.order.CancelPending = false
	entry.mu.Unlock()
}

// ApplyBrokerEvent folds one broker event into the ledger. It is
// idempotent: duplicate events (same dedup key) are no-ops. Events whose
// prerequisite transition has not arrived yet are buffered for a bounded
// window. Events for terminally-settled orders are logged and discarded.
func (l *Ledger) ApplyBrokerEvent(ctx context.Context, ev broker.Event) error {
	orderID, ok := l.resolve(ev)
	if !ok {
		// The placement ack may still be in flight.
		key := ev.BrokerOrderID
		if key == "" {
			key = ev.ClientOrderID
		}
		l.buffer.add(key, ev)
		return nil
	}
	return l.apply(ctx, orderID, ev)
}

func (l *Ledger) apply(ctx context.Context, orderID string, ev broker.Event) error {
	entry, err := l.entry(orderID)
	if err != nil {
		return err
	}

	entry.mu.Lock()

	if _, dup := entry.seen[ev.Key()]; dup {
		entry.mu.Unlock()
		log.Debug().
			Str("order_id", orderID).
			Str("event", string(ev.Type)).
			Str("key", ev.Key()).
			Msg("Ignoring duplicate broker event")
		return nil
	}

	from := entry.order.Status
	if from.Terminal() {
		entry.mu.Unlock()
		log.Info().
			Str("order_id", orderID).
			Str("status", string(from)).
			Str("event", string(ev.Type)).
			Msg("Discarding late broker event for settled order")
		return nil
	}

	to, fill, applyErr := l.fold(entry, ev)
	if errors.Is(applyErr, errStaleEvent) {
		entry.seen[ev.Key()] = struct{}{}
		entry.mu.Unlock()
		log.Debug().
			Str("order_id", orderID).
			Str("event", string(ev.Type)).
			Str("status", string(from)).
			Msg("Discarding stale broker event")
		return nil
	}
	if applyErr != nil {
		entry.mu.Unlock()
		return applyErr
	}
	if to == "" {
		// Prerequisite transition missing; park the event. Drain replays
		// land back here until the prerequisite commits or the buffer
		// window expires.
		entry.mu.Unlock()
		key := ev.BrokerOrderID
		if key == "" {
			key = orderID
		}
		l.buffer.add(key, ev)
		return nil
	}

	entry.seen[ev.Key()] = struct{}{}
	entry.order.Status = to
	entry.order.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		entry.order.CancelPending = false
	}
	if fill != nil {
		entry.fills = append(entry.fills, *fill)
	}
	if entry.order.BrokerOrderID == "" && ev.BrokerOrderID != "" {
		entry.order.BrokerOrderID = ev.BrokerOrderID
		l.mu.Lock()
		l.byBroker[ev.BrokerOrderID] = orderID
		l.mu.Unlock()
	}
	ord := entry.order
	entry.mu.Unlock()

	if err := l.persistOrder(ctx, ord, fill); err != nil {
		return err
	}

	log.Info().
		Str("order_id", orderID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(ev.Type)).
		Msg("Order transition committed")

	l.emit([]Transition{{Order: ord, From: from, To: to, Fill: fill}})

	if !from.Terminal() && (to == broker.OrderStatusAccepted || to == broker.OrderStatusPartiallyFilled) {
		l.drainBuffered(ctx, orderID, ord.BrokerOrderID)
	}
	return nil
}

// fold computes the transition an event implies given the entry's current
// state. It returns an empty target status when the event must wait for a
// prerequisite transition, and mutates fill accounting on the entry for
// fill events. Caller holds entry.mu.
func (l *Ledger) fold(entry *orderEntry, ev broker.Event) (broker.OrderStatus, *broker.Fill, error) {
	switch ev.Type {
	case broker.EventAccepted:
		switch entry.order.Status {
		case broker.OrderStatusSubmitted:
			return broker.OrderStatusAccepted, nil, nil
		case broker.OrderStatusCreated:
			// The placement ack has not landed yet.
			return "", nil, nil
		default:
			// Replayed acceptance for an order already past Accepted.
			return "", nil, errStaleEvent
		}

	case broker.EventRejected:
		if !CanTransition(entry.order.Status, broker.OrderStatusRejected) {
			return "", nil, nil
		}
		entry.order.RejectReason = ev.Reason
		return broker.OrderStatusRejected, nil, nil

	case broker.EventCancelled:
		if !CanTransition(entry.order.Status, broker.OrderStatusCancelled) {
			return "", nil, nil
		}
		return broker.OrderStatusCancelled, nil, nil

	case broker.EventExpired:
		if !CanTransition(entry.order.Status, broker.OrderStatusExpired) {
			return "", nil, nil
		}
		return broker.OrderStatusExpired, nil, nil

	case broker.EventFill:
		switch entry.order.Status {
		case broker.OrderStatusAccepted, broker.OrderStatusPartiallyFilled:
		default:
			return "", nil, nil
		}

		newFilled := entry.order.FilledQty.Add(ev.Quantity)
		if newFilled.GreaterThan(entry.order.Quantity) {
			orderID := entry.order.ID
			detail := fmt.Sprintf("fill %s would overfill order: filled %s + %s > quantity %s",
				ev.FillID, entry.order.FilledQty, ev.Quantity, entry.order.Quantity)
			log.Error().
				Str("order_id", orderID).
				Str("fill_id", ev.FillID).
				Msg("Rejecting overfilling broker event")
			go l.notifyDrift(orderID, detail)
			return "", nil, &broker.DriftError{OrderID: orderID, Detail: detail}
		}

		notional := entry.order.AvgFillPrice.Mul(entry.order.FilledQty).
			Add(ev.Price.Mul(ev.Quantity))
		entry.order.FilledQty = newFilled
		entry.order.AvgFillPrice = notional.Div(newFilled)
		entry.order.Fees = entry.order.Fees.Add(ev.Fee)

		fill := &broker.Fill{
			ID:        ev.FillID,
			OrderID:   entry.order.ID,
			Quantity:  ev.Quantity,
			Price:     ev.Price,
			Fee:       ev.Fee,
			Timestamp: ev.Timestamp,
		}

		if newFilled.Equal(entry.order.Quantity) {
			return broker.OrderStatusFilled, fill, nil
		}
		return broker.OrderStatusPartiallyFilled, fill, nil
	}

	return "", nil, fmt.Errorf("unknown broker event type %q", ev.Type)
}

// drainBuffered replays events that were waiting for the given order's
// prerequisite transition.
func (l *Ledger) drainBuffered(ctx context.Context, keys ...string) {
	var nonEmpty []string
	for _, k := range keys {
		if k != "" {
			nonEmpty = append(nonEmpty, k)
		}
	}
	for _, ev := range l.buffer.take(nonEmpty...) {
		orderID, ok := l.resolve(ev)
		if !ok {
			continue
		}
		if err := l.apply(ctx, orderID, ev); err != nil {
			log.Error().Err(err).
				Str("order_id", orderID).
				Str("event", string(ev.Type)).
				Msg("Failed to replay buffered broker event")
		}
	}
}

// SweepBuffer drops buffered events older than the buffer window,
// flagging their orders for reconciliation. Called periodically by the
// reconciliation engine.
func (l *Ledger) SweepBuffer() {
	l.buffer.sweep()
}

// BufferedEvents reports the number of parked out-of-sequence events.
func (l *Ledger) BufferedEvents() int {
	return l.buffer.len()
}

// resolve maps an event's identifiers to a ledger order ID.
func (l *Ledger) resolve(ev broker.Event) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if ev.ClientOrderID != "" {
		if _, ok := l.orders[ev.ClientOrderID]; ok {
			return ev.ClientOrderID, true
		}
	}
	if ev.BrokerOrderID != "" {
		if id, ok := l.byBroker[ev.BrokerOrderID]; ok {
			return id, true
		}
	}
	return "", false
}

func (l *Ledger) entry(orderID string) (*orderEntry, error) {
	l.mu.RLock()
	entry, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return entry, nil
}

// Get returns a snapshot of one order.
func (l *Ledger) Get(orderID string) (broker.Order, error) {
	entry, err := l.entry(orderID)
	if err != nil {
		return broker.Order{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order, nil
}

// GetByBrokerID returns a snapshot of the order linked to a broker order ID.
func (l *Ledger) GetByBrokerID(brokerOrderID string) (broker.Order, error) {
	l.mu.RLock()
	id, ok := l.byBroker[brokerOrderID]
	l.mu.RUnlock()
	if !ok {
		return broker.Order{}, broker.ErrOrderNotFound
	}
	return l.Get(id)
}

// OpenOrders returns snapshots of every order in a non-terminal state.
func (l *Ledger) OpenOrders() []broker.Order {
	l.mu.RLock()
	entries := make([]*orderEntry, 0, len(l.orders))
	for _, e := range l.orders {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var open []broker.Order
	for _, e := range entries {
		e.mu.Lock()
		if !e.order.Status.Terminal() {
			open = append(open, e.order)
		}
		e.mu.Unlock()
	}
	return open
}

// Fills returns copies of the fills recorded for one order, in arrival
// order.
func (l *Ledger) Fills(orderID string) ([]broker.Fill, error) {
	entry, err := l.entry(orderID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fills := make([]broker.Fill, len(entry.fills))
	copy(fills, entry.fills)
	return fills, nil
}

func (l *Ledger) persistOrder(ctx context.Context, ord broker.Order, fill *broker.Fill) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.UpsertOrder(ctx, ord); err != nil {
		return fmt.Errorf("persisting order %s: %w", ord.ID, err)
	}
	if fill != nil {
		if err := l.store.InsertFill(ctx, *fill); err != nil {
			return fmt.Errorf("persisting fill %s: %w", fill.ID, err)
		}
	}
	return nil
}
