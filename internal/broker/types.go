package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType represents the execution style of an order
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce governs how long an order remains workable
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceGTT TimeInForce = "gtt"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status accepts no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderSpec is the caller-supplied description of a trading intent.
type OrderSpec struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"` // required for GTT
}

// Order is one trading intent tracked by the ledger. The local ID is
// immutable and doubles as the idempotency token for submission; the broker
// order ID stays empty until the broker accepts.
type Order struct {
	ID            string          `json:"id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fees          decimal.Decimal `json:"fees"`
	CancelPending bool            `json:"cancel_pending,omitempty"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
}

// Fill is one partial or full execution belonging to exactly one order.
// The broker-assigned ID is unique and used for deduplication.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position is the per-symbol aggregate derived from committed fills.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`   // signed net quantity
	CostBasis decimal.Decimal `json:"cost_basis"` // signed cost of the open quantity
}

// Balance is a normalized account balance entry.
type Balance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ack is the normalized result of a successful order submission.
type Ack struct {
	BrokerOrderID string      `json:"broker_order_id"`
	Status        OrderStatus `json:"status"`
}

// EventType identifies a normalized broker event.
type EventType string

const (
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventFill      EventType = "fill"
	EventCancelled EventType = "cancelled"
	EventExpired   EventType = "expired"
)

// Event is one normalized broker-side occurrence, whether pushed over the
// account feed or synthesized by reconciliation. Seq is the broker sequence
// number; zero means the source carries no cursor.
type Event struct {
	Type          EventType       `json:"type"`
	Seq           uint64          `json:"seq,omitempty"`
	BrokerOrderID string          `json:"broker_order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	FillID        string          `json:"fill_id,omitempty"`
	Quantity      decimal.Decimal `json:"quantity,omitempty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Fee           decimal.Decimal `json:"fee,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key returns the deduplication key for the event. Fills key on the fill ID;
// status events key on type and broker order ID.
func (e Event) Key() string {
	if e.Type == EventFill {
		return "fill:" + e.FillID
	}
	return string(e.Type) + ":" + e.BrokerOrderID
}
