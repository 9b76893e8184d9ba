package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

// OrderEvent is the message published for every committed order
// transition. Consumers must deduplicate on EventID: delivery is
// at-least-once.
type OrderEvent struct {
	EventType      string          `json:"eventType"`
	EventID        string          `json:"eventId"`
	Timestamp      time.Time       `json:"timestamp"`
	OrderID        string          `json:"orderId"`
	BrokerOrderID  string          `json:"brokerOrderId,omitempty"`
	Symbol         string          `json:"symbol"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	Fees           decimal.Decimal `json:"fees"`
	Reason         string          `json:"reason,omitempty"`
}

// eventTypes maps committed order states to published event types.
var eventTypes = map[broker.OrderStatus]string{
	broker.OrderStatusCreated:         "order.created",
	broker.OrderStatusSubmitted:       "order.submitted",
	broker.OrderStatusAccepted:        "order.accepted",
	broker.OrderStatusRejected:        "order.rejected",
	broker.OrderStatusPartiallyFilled: "order.partially_filled",
	broker.OrderStatusFilled:          "order.filled",
	broker.OrderStatusCancelled:       "order.cancelled",
	broker.OrderStatusExpired:         "order.expired",
}

// Config configures the publisher.
type Config struct {
	NATSURL string
	// Prefix namespaces the subjects (default "orders.").
	Prefix string
	// RetryInterval is the delay between redelivery attempts for events
	// that failed to publish.
	RetryInterval time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		NATSURL:       "nats://localhost:4222",
		Prefix:        "orders.",
		RetryInterval: time.Second,
	}
}

// Publisher emits order lifecycle events to NATS with at-least-once
// semantics. Events that cannot be published are queued and retried in
// order until the connection recovers.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	retry  time.Duration

	mu      sync.Mutex
	pending []OrderEvent
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	ownConn bool
}

// NewPublisher connects to NATS and starts the redelivery worker.
func NewPublisher(config Config) (*Publisher, error) {
	nc, err := nats.Connect(
		config.NATSURL,
		nats.Name("brokerd-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := newPublisher(nc, config)
	p.ownConn = true

	log.Info().
		Str("nats_url", config.NATSURL).
		Str("prefix", p.prefix).
		Msg("Order event publisher initialized")
	return p, nil
}

// NewPublisherWithConn wraps an existing connection. The caller keeps
// ownership of the connection.
func NewPublisherWithConn(nc *nats.Conn, config Config) *Publisher {
	return newPublisher(nc, config)
}

func newPublisher(nc *nats.Conn, config Config) *Publisher {
	if config.Prefix == "" {
		config.Prefix = "orders."
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	p := &Publisher{
		nc:     nc,
		prefix: config.Prefix,
		retry:  config.RetryInterval,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.redeliverLoop()
	return p
}

// PublishTransition builds and publishes the event for one committed
// transition. Wire this as a ledger transition hook.
func (p *Publisher) PublishTransition(tr ledger.Transition) {
	eventType, ok := eventTypes[tr.To]
	if !ok {
		log.Error().Str("status", string(tr.To)).Msg("No event type for order status")
		return
	}

	ev := OrderEvent{
		EventType:      eventType,
		EventID:        uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		OrderID:        tr.Order.ID,
		BrokerOrderID:  tr.Order.BrokerOrderID,
		Symbol:         tr.Order.Symbol,
		Status:         string(tr.To),
		FilledQuantity: tr.Order.FilledQty,
		AvgFillPrice:   tr.Order.AvgFillPrice,
		Fees:           tr.Order.Fees,
		Reason:         tr.Order.RejectReason,
	}
	p.Publish(ev)
}

// Publish emits one event, queueing it for redelivery on failure. When
// an earlier event for the same order is still awaiting redelivery, the
// new one queues behind it so the per-order sequence survives recovery.
func (p *Publisher) Publish(ev OrderEvent) {
	if p.hasPending(ev.OrderID) {
		log.Debug().
			Str("event_id", ev.EventID).
			Str("order_id", ev.OrderID).
			Msg("Queueing event behind pending redelivery for the same order")
		p.enqueue(ev)
		return
	}
	if err := p.publish(ev); err != nil {
		log.Warn().Err(err).
			Str("event_id", ev.EventID).
			Str("event_type", ev.EventType).
			Msg("Publish failed, queueing for redelivery")
		p.enqueue(ev)
	}
}

func (p *Publisher) hasPending(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.pending {
		if q.OrderID == orderID {
			return true
		}
	}
	return false
}

func (p *Publisher) publish(ev OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Subject pattern: orders.{state}, e.g. orders.filled
	subject := p.prefix + string(ev.Status)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("event_id", ev.EventID).
		Str("event_type", ev.EventType).
		Str("order_id", ev.OrderID).
		Str("subject", subject).
		Msg("Published order event")
	return nil
}

func (p *Publisher) enqueue(ev OrderEvent) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// redeliverLoop drains the pending queue in order, preserving the
// per-order event sequence.
func (p *Publisher) redeliverLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		empty := len(p.pending) == 0
		p.mu.Unlock()

		if empty {
			select {
			case <-p.wake:
			case <-p.closed:
				return
			}
		}

		select {
		case <-p.closed:
			p.flush()
			return
		default:
		}

		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			continue
		}
		ev := p.pending[0]
		p.mu.Unlock()

		if err := p.publish(ev); err != nil {
			select {
			case <-time.After(p.retry):
				continue
			case <-p.closed:
				return
			}
		}

		p.mu.Lock()
		p.pending = p.pending[1:]
		p.mu.Unlock()
	}
}

// flush makes one last attempt at the queued events during shutdown.
func (p *Publisher) flush() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ev := range pending {
		if err := p.publish(ev); err != nil {
			log.Error().
				Str("event_id", ev.EventID).
				Msg("Dropping unpublished event at shutdown")
		}
	}
}

// Pending reports the number of events awaiting redelivery.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close stops the redelivery worker, flushes the queue once, and closes
// the connection if the publisher owns it.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
	if p.ownConn {
		p.nc.Close()
		log.Info().Msg("Order event publisher closed")
	}
}
