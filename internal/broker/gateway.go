package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	gatewayWriteWait = 10 * time.Second
	gatewayPongWait  = 60 * time.Second
	gatewayPingEvery = (gatewayPongWait * 9) / 10
)

// GatewayConfig configures the reference JSON gateway adapter.
type GatewayConfig struct {
	BaseURL   string // e.g. "https://broker.example/api/v1"
	StreamURL string // e.g. "wss://broker.example/api/v1/stream"
	APIKey    string
	Timeout   time.Duration
}

// GatewayBroker speaks the abstract JSON order-gateway contract: a REST
// surface for order operations and a WebSocket stream that supports a
// sequence cursor on subscribe.
type GatewayBroker struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewGatewayBroker creates a gateway adapter.
func NewGatewayBroker(cfg GatewayConfig) *GatewayBroker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	log.Info().Str("base_url", cfg.BaseURL).Msg("Gateway broker initialized")

	return &GatewayBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// gatewayOrder is the gateway's order representation on the wire.
type gatewayOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fees          decimal.Decimal `json:"fees"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type gatewayTrade struct {
	TradeID  string          `json:"trade_id"`
	OrderID  string          `json:"order_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"time"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaceOrder submits the order with the client order id as idempotency key.
func (g *GatewayBroker) PlaceOrder(ctx context.Context, spec OrderSpec, clientOrderID string) (*Ack, error) {
	body := map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          spec.Symbol,
		"side":            spec.Side,
		"type":            spec.Type,
		"quantity":        spec.Quantity,
		"time_in_force":   spec.TimeInForce,
	}
	if spec.LimitPrice.IsPositive() {
		body["limit_price"] = spec.LimitPrice
	}
	if spec.StopPrice.IsPositive() {
		body["stop_price"] = spec.StopPrice
	}
	if !spec.ExpiresAt.IsZero() {
		body["expires_at"] = spec.ExpiresAt
	}

	var resp struct {
		OrderID string      `json:"order_id"`
		Status  OrderStatus `json:"status"`
	}
	if err := g.do(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return nil, err
	}
	return &Ack{BrokerOrderID: resp.OrderID, Status: resp.Status}, nil
}

// CancelOrder requests cancellation of an open order.
func (g *GatewayBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	path := "/orders/" + url.PathEscape(brokerOrderID) + "?symbol=" + url.QueryEscape(symbol)
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

// FetchOpenOrders returns the gateway's open-order list.
func (g *GatewayBroker) FetchOpenOrders(ctx context.Context) ([]Order, error) {
	var raw []gatewayOrder
	if err := g.do(ctx, http.MethodGet, "/orders?status=open", nil, &raw); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			ID:            o.ClientOrderID,
			BrokerOrderID: o.OrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			Quantity:      o.Quantity,
			LimitPrice:    o.LimitPrice,
			StopPrice:     o.StopPrice,
			TimeInForce:   o.TimeInForce,
			Status:        o.Status,
			FilledQty:     o.FilledQty,
			AvgFillPrice:  o.AvgFillPrice,
			Fees:          o.Fees,
			CreatedAt:     o.CreatedAt,
			UpdatedAt:     o.UpdatedAt,
		})
	}
	return orders, nil
}

// FetchOrderTrades returns the executions recorded for one order.
func (g *GatewayBroker) FetchOrderTrades(ctx context.Context, symbol, brokerOrderID string) ([]Fill, error) {
	path := "/orders/" + url.PathEscape(brokerOrderID) + "/trades?symbol=" + url.QueryEscape(symbol)

	var raw []gatewayTrade
	if err := g.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	fills := make([]Fill, 0, len(raw))
	for _, t := range raw {
		fills = append(fills, Fill{
			ID:        t.TradeID,
			OrderID:   t.OrderID,
			Quantity:  t.Quantity,
			Price:     t.Price,
			Fee:       t.Fee,
			Timestamp: t.Time,
		})
	}
	return fills, nil
}

// FetchAccountBalances returns the current account balances.
func (g *GatewayBroker) FetchAccountBalances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	if err := g.do(ctx, http.MethodGet, "/balances", nil, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// SubscribeAccountFeed dials the WebSocket stream, resuming from cursor.
func (g *GatewayBroker) SubscribeAccountFeed(ctx context.Context, cursor uint64) (Feed, error) {
	streamURL := g.cfg.StreamURL
	if cursor > 0 {
		streamURL += "?cursor=" + strconv.FormatUint(cursor, 10)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	conn, _, err := dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("dial stream: %w", err)}
	}

	conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
		return nil
	})

	f := &gatewayFeed{conn: conn, done: make(chan struct{})}
	go f.pingLoop()
	return f, nil
}

// do executes one REST call and maps the HTTP outcome onto the error
// taxonomy. It performs no retries.
func (g *GatewayBroker) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}

	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound

	case resp.StatusCode >= 400:
		var ge gatewayError
		if err := json.NewDecoder(resp.Body).Decode(&ge); err != nil {
			ge.Message = resp.Status
		}
		return &RejectedError{Code: ge.Code, Reason: ge.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// gatewayFeed reads the stream's JSON event envelopes.
type gatewayFeed struct {
	conn *websocket.Conn
	done chan struct{}
}

// streamEnvelope is the stream's wire format for one event.
type streamEnvelope struct {
	Type          EventType       `json:"type"`
	Seq           uint64          `json:"seq"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	FillID        string          `json:"fill_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Reason        string          `json:"reason"`
	Time          time.Time       `json:"time"`
}

func (f *gatewayFeed) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			return Event{}, &TransientError{Err: fmt.Errorf("read stream: %w", err)}
		}

		var env streamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("Dropping unparseable stream message")
			continue
		}

		return Event{
			Type:          env.Type,
			Seq:           env.Seq,
			BrokerOrderID: env.OrderID,
			ClientOrderID: env.ClientOrderID,
			FillID:        env.FillID,
			Quantity:      env.Quantity,
			Price:         env.Price,
			Fee:           env.Fee,
			Reason:        env.Reason,
			Timestamp:     env.Time,
		}, nil
	}
}

func (f *gatewayFeed) pingLoop() {
	ticker := time.NewTicker(gatewayPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *gatewayFeed) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	_ = f.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return f.conn.Close()
}

var _ Broker = (*GatewayBroker)(nil)
