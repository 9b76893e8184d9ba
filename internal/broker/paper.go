package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperBroker simulates a broker in-process for paper trading and tests.
// It keeps a sequenced event log so feeds can resume from a cursor the way
// the live feed protocol does.
type PaperBroker struct {
	mu sync.Mutex

	orders   map[string]*Order // keyed by broker order id
	byClient map[string]string // client order id -> broker order id
	fills    map[string][]Fill // keyed by broker order id

	marketPrices map[string]decimal.Decimal
	feeRate      decimal.Decimal

	seq      uint64
	eventLog []Event
	feeds    map[*paperFeed]struct{}

	// When true, events are omitted from the replay log, so feeds resumed
	// later never see them. Simulates events lost during a disconnect
	// window that only reconciliation can recover.
	suppressDelivery bool

	nextID int64
}

// NewPaperBroker creates a paper broker with a flat taker fee rate.
func NewPaperBroker(feeRate decimal.Decimal) *PaperBroker {
	log.Info().Str("fee_rate", feeRate.String()).Msg("Paper broker initialized")

	return &PaperBroker{
		orders:       make(map[string]*Order),
		byClient:     make(map[string]string),
		fills:        make(map[string][]Fill),
		marketPrices: make(map[string]decimal.Decimal),
		feeRate:      feeRate,
		feeds:        make(map[*paperFeed]struct{}),
	}
}

// SetMarketPrice sets the simulated market price for a symbol.
func (p *PaperBroker) SetMarketPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketPrices[symbol] = price
}

// PlaceOrder accepts the order and, for market orders, fills it immediately
// at the simulated market price. Resubmitting the same client order id
// returns the original acknowledgement.
func (p *PaperBroker) PlaceOrder(ctx context.Context, spec OrderSpec, clientOrderID string) (*Ack, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if brokerID, seen := p.byClient[clientOrderID]; seen {
		return &Ack{BrokerOrderID: brokerID, Status: p.orders[brokerID].Status}, nil
	}

	p.nextID++
	now := time.Now()
	order := &Order{
		ID:            clientOrderID,
		BrokerOrderID: "P-" + strconv.FormatInt(p.nextID, 10),
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Quantity:      spec.Quantity,
		LimitPrice:    spec.LimitPrice,
		StopPrice:     spec.StopPrice,
		TimeInForce:   spec.TimeInForce,
		Status:        OrderStatusAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.orders[order.BrokerOrderID] = order
	p.byClient[clientOrderID] = order.BrokerOrderID

	p.emit(Event{
		Type:          EventAccepted,
		BrokerOrderID: order.BrokerOrderID,
		ClientOrderID: clientOrderID,
		Timestamp:     now,
	})

	log.Debug().
		Str("broker_order_id", order.BrokerOrderID).
		Str("client_order_id", clientOrderID).
		Str("symbol", order.Symbol).
		Msg("Paper order accepted")

	if spec.Type == OrderTypeMarket {
		price, ok := p.marketPrices[spec.Symbol]
		if !ok {
			price = decimal.NewFromInt(100)
		}
		p.fillLocked(order, spec.Quantity, price)
	}

	return &Ack{BrokerOrderID: order.BrokerOrderID, Status: order.Status}, nil
}

// Fill records an execution against an accepted order and emits a fill
// event. Tests drive partial fills through this.
func (p *PaperBroker) Fill(brokerOrderID string, qty, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return fmt.Errorf("paper: cannot fill order in status %s", order.Status)
	}

	p.fillLocked(order, qty, price)
	return nil
}

func (p *PaperBroker) fillLocked(order *Order, qty, price decimal.Decimal) {
	now := time.Now()
	p.nextID++
	fee := qty.Mul(price).Mul(p.feeRate)
	fill := Fill{
		ID:        "T-" + strconv.FormatInt(p.nextID, 10),
		OrderID:   order.BrokerOrderID,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: now,
	}
	p.fills[order.BrokerOrderID] = append(p.fills[order.BrokerOrderID], fill)

	order.FilledQty = order.FilledQty.Add(qty)
	order.Fees = order.Fees.Add(fee)
	order.UpdatedAt = now
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = OrderStatusFilled
	} else {
		order.Status = OrderStatusPartiallyFilled
	}

	p.emit(Event{
		Type:          EventFill,
		BrokerOrderID: order.BrokerOrderID,
		ClientOrderID: order.ID,
		FillID:        fill.ID,
		Quantity:      qty,
		Price:         price,
		Fee:           fee,
		Timestamp:     now,
	})
}

// CancelOrder cancels an open order. A fill always beats a racing cancel:
// cancelling an already-filled order is a rejection.
func (p *PaperBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return &RejectedError{Reason: "order already " + string(order.Status)}
	}

	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now()

	p.emit(Event{
		Type:          EventCancelled,
		BrokerOrderID: brokerOrderID,
		ClientOrderID: order.ID,
		Timestamp:     order.UpdatedAt,
	})

	log.Debug().Str("broker_order_id", brokerOrderID).Msg("Paper order cancelled")
	return nil
}

// Expire marks a resting order expired, as the broker would at end of day
// or at the good-til-time deadline.
func (p *PaperBroker) Expire(brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return fmt.Errorf("paper: cannot expire order in status %s", order.Status)
	}

	order.Status = OrderStatusExpired
	order.UpdatedAt = time.Now()
	p.emit(Event{
		Type:          EventExpired,
		BrokerOrderID: brokerOrderID,
		ClientOrderID: order.ID,
		Timestamp:     order.UpdatedAt,
	})
	return nil
}

// FetchOpenOrders returns all non-terminal orders.
func (p *PaperBroker) FetchOpenOrders(ctx context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []Order
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			open = append(open, *o)
		}
	}
	return open, nil
}

// FetchOrderTrades returns the executions recorded for one order.
func (p *PaperBroker) FetchOrderTrades(ctx context.Context, symbol, brokerOrderID string) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fills := make([]Fill, len(p.fills[brokerOrderID]))
	copy(fills, p.fills[brokerOrderID])
	return fills, nil
}

// FetchAccountBalances returns a single synthetic cash balance.
func (p *PaperBroker) FetchAccountBalances(ctx context.Context) ([]Balance, error) {
	return []Balance{{Asset: "EUR", Free: decimal.NewFromInt(100000), UpdatedAt: time.Now()}}, nil
}

// SubscribeAccountFeed opens a feed that first replays logged events with a
// sequence greater than cursor, then delivers live events.
func (p *PaperBroker) SubscribeAccountFeed(ctx context.Context, cursor uint64) (Feed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := &paperFeed{
		broker: p,
		ch:     make(chan Event, 256),
		done:   make(chan struct{}),
	}
	for _, ev := range p.eventLog {
		if ev.Seq > cursor {
			f.ch <- ev
		}
	}
	p.feeds[f] = struct{}{}
	return f, nil
}

// DropFeeds kills all live feeds, simulating a connection loss. When
// suppress is true, events emitted while disconnected are withheld from
// future feeds too, so only reconciliation can recover them.
func (p *PaperBroker) DropFeeds(suppress bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suppressDelivery = suppress
	for f := range p.feeds {
		f.kill()
		delete(p.feeds, f)
	}
}

// ResumeDelivery re-enables event delivery after DropFeeds(true).
func (p *PaperBroker) ResumeDelivery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressDelivery = false
}

// emit appends to the event log and fans out to live feeds. Caller holds mu.
func (p *PaperBroker) emit(ev Event) {
	p.seq++
	ev.Seq = p.seq

	if !p.suppressDelivery {
		p.eventLog = append(p.eventLog, ev)
	}

	for f := range p.feeds {
		select {
		case f.ch <- ev:
		default:
			// Slow feed; drop it like a broker would.
			f.kill()
			delete(p.feeds, f)
		}
	}
}

type paperFeed struct {
	broker *PaperBroker
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (f *paperFeed) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-f.ch:
		return ev, nil
	case <-f.done:
		return Event{}, &TransientError{Err: fmt.Errorf("paper feed closed")}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *paperFeed) kill() {
	f.once.Do(func() { close(f.done) })
}

func (f *paperFeed) Close() error {
	f.broker.mu.Lock()
	delete(f.broker.feeds, f)
	f.broker.mu.Unlock()
	f.kill()
	return nil
}

var _ Broker = (*PaperBroker)(nil)
