package broker

import "context"

// Broker is the capability interface implemented once per supported broker.
// Implementations translate the abstract operations into their concrete
// protocol, classify failures into the package error taxonomy, and never
// retry; retry policy belongs to the dispatcher.
type Broker interface {
	// PlaceOrder submits a new order. clientOrderID is the locally generated
	// order identifier and must be passed through as the idempotency token
	// whenever the broker protocol supports one.
	PlaceOrder(ctx context.Context, spec OrderSpec, clientOrderID string) (*Ack, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error

	// FetchOpenOrders returns the broker's authoritative list of open orders.
	FetchOpenOrders(ctx context.Context) ([]Order, error)

	// FetchOrderTrades returns the executions recorded for one order.
	FetchOrderTrades(ctx context.Context, symbol, brokerOrderID string) ([]Fill, error)

	// FetchAccountBalances returns the current account balances.
	FetchAccountBalances(ctx context.Context) ([]Balance, error)

	// SubscribeAccountFeed opens the asynchronous order/fill event feed.
	// cursor is the last known-good sequence marker; zero requests the feed
	// from now. Brokers without cursor support ignore it.
	SubscribeAccountFeed(ctx context.Context, cursor uint64) (Feed, error)
}

// Feed is one live subscription to a broker's account event stream.
type Feed interface {
	// Next blocks until the next event arrives, the feed fails, or the
	// context is done. A failed feed is dead; the consumer reconnects by
	// calling SubscribeAccountFeed again.
	Next(ctx context.Context) (Event, error)

	Close() error
}
