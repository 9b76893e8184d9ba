package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BinanceConfig configures the Binance adapter.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// BinanceBroker implements the capability interface against Binance spot.
// Binance supports client-supplied order ids, so the local order id rides
// along as the idempotency token on every submission.
type BinanceBroker struct {
	client *binance.Client
}

// NewBinanceBroker creates a Binance adapter.
func NewBinanceBroker(cfg BinanceConfig) *BinanceBroker {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance broker initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance broker initialized (LIVE TRADING mode)")
	}

	return &BinanceBroker{client: binance.NewClient(cfg.APIKey, cfg.SecretKey)}
}

// PlaceOrder submits a new order with the local id as NewClientOrderID.
func (b *BinanceBroker) PlaceOrder(ctx context.Context, spec OrderSpec, clientOrderID string) (*Ack, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(binanceSide(spec.Side)).
		Quantity(spec.Quantity.String()).
		NewClientOrderID(clientOrderID)

	switch spec.Type {
	case OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binanceTIF(spec.TimeInForce)).
			Price(spec.LimitPrice.String())
	case OrderTypeStop:
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(spec.StopPrice.String())
	case OrderTypeStopLimit:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binanceTIF(spec.TimeInForce)).
			Price(spec.LimitPrice.String()).
			StopPrice(spec.StopPrice.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	log.Info().
		Str("client_order_id", clientOrderID).
		Int64("binance_order_id", resp.OrderID).
		Str("symbol", spec.Symbol).
		Msg("Order placed on Binance")

	return &Ack{
		BrokerOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:        binanceStatus(resp.Status),
	}, nil
}

// CancelOrder cancels an open order.
func (b *BinanceBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	id, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return &RejectedError{Reason: fmt.Sprintf("invalid binance order id %q", brokerOrderID)}
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classifyBinanceErr(err)
	}
	return nil
}

// FetchOpenOrders returns all open orders across symbols.
func (b *BinanceBroker) FetchOpenOrders(ctx context.Context) ([]Order, error) {
	raw, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		filled, _ := decimal.NewFromString(o.ExecutedQuantity)
		price, _ := decimal.NewFromString(o.Price)
		stop, _ := decimal.NewFromString(o.StopPrice)

		orders = append(orders, Order{
			ID:            o.ClientOrderID,
			BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:        o.Symbol,
			Side:          domainSide(o.Side),
			Quantity:      qty,
			FilledQty:     filled,
			LimitPrice:    price,
			StopPrice:     stop,
			Status:        binanceStatus(o.Status),
			CreatedAt:     time.UnixMilli(o.Time),
			UpdatedAt:     time.UnixMilli(o.UpdateTime),
		})
	}
	return orders, nil
}

// FetchOrderTrades returns the account trades for one order.
func (b *BinanceBroker) FetchOrderTrades(ctx context.Context, symbol, brokerOrderID string) ([]Fill, error) {
	id, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return nil, &RejectedError{Reason: fmt.Sprintf("invalid binance order id %q", brokerOrderID)}
	}

	raw, err := b.client.NewListTradesService().
		Symbol(symbol).
		OrderId(id).
		Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	fills := make([]Fill, 0, len(raw))
	for _, t := range raw {
		qty, _ := decimal.NewFromString(t.Quantity)
		price, _ := decimal.NewFromString(t.Price)
		fee, _ := decimal.NewFromString(t.Commission)

		fills = append(fills, Fill{
			ID:        strconv.FormatInt(t.ID, 10),
			OrderID:   brokerOrderID,
			Quantity:  qty,
			Price:     price,
			Fee:       fee,
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return fills, nil
}

// FetchAccountBalances returns non-zero spot balances.
func (b *BinanceBroker) FetchAccountBalances(ctx context.Context) ([]Balance, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	now := time.Now()
	var balances []Balance
	for _, bal := range acct.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, Balance{
			Asset:     bal.Asset,
			Free:      free,
			Locked:    locked,
			UpdatedAt: now,
		})
	}
	return balances, nil
}

// SubscribeAccountFeed opens the user-data stream. Binance carries no
// resumable cursor, so the cursor argument is ignored and every reconnect
// is followed by a reconciliation pass.
func (b *BinanceBroker) SubscribeAccountFeed(ctx context.Context, cursor uint64) (Feed, error) {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	f := &binanceFeed{
		events: make(chan Event, 256),
		errs:   make(chan error, 1),
	}

	doneC, stopC, err := binance.WsUserDataServe(listenKey, f.onEvent, f.onError)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("user data stream: %w", err)}
	}
	f.doneC = doneC
	f.stopC = stopC

	return f, nil
}

type binanceFeed struct {
	events chan Event
	errs   chan error
	doneC  chan struct{}
	stopC  chan struct{}
}

func (f *binanceFeed) onEvent(ev *binance.WsUserDataEvent) {
	if ev.Event != binance.UserDataEventTypeExecutionReport {
		return
	}

	ou := ev.OrderUpdate
	base := Event{
		BrokerOrderID: strconv.FormatInt(ou.Id, 10),
		ClientOrderID: ou.ClientOrderId,
		Timestamp:     time.UnixMilli(ou.TransactionTime),
	}

	switch ou.ExecutionType {
	case "NEW":
		base.Type = EventAccepted
	case "TRADE":
		base.Type = EventFill
		base.FillID = strconv.FormatInt(ou.TradeId, 10)
		base.Quantity, _ = decimal.NewFromString(ou.LatestVolume)
		base.Price, _ = decimal.NewFromString(ou.LatestPrice)
		base.Fee, _ = decimal.NewFromString(ou.FeeCost)
	case "CANCELED":
		base.Type = EventCancelled
	case "REJECTED":
		base.Type = EventRejected
		base.Reason = ou.RejectReason
	case "EXPIRED":
		base.Type = EventExpired
	default:
		return
	}

	select {
	case f.events <- base:
	default:
		log.Warn().Str("broker_order_id", base.BrokerOrderID).Msg("Binance feed buffer full, dropping event")
	}
}

func (f *binanceFeed) onError(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

func (f *binanceFeed) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.errs:
		return Event{}, &TransientError{Err: err}
	case <-f.doneC:
		return Event{}, &TransientError{Err: errors.New("binance user data stream closed")}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *binanceFeed) Close() error {
	select {
	case <-f.stopC:
	default:
		close(f.stopC)
	}
	return nil
}

func binanceSide(s Side) binance.SideType {
	if s == SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func domainSide(s binance.SideType) Side {
	if s == binance.SideTypeSell {
		return SideSell
	}
	return SideBuy
}

func binanceTIF(tif TimeInForce) binance.TimeInForceType {
	switch tif {
	case TimeInForceIOC:
		return binance.TimeInForceTypeIOC
	case TimeInForceFOK:
		return binance.TimeInForceTypeFOK
	default:
		// Binance has no native DAY or GTT on spot; GTC plus ledger-side
		// expiry tracking covers both.
		return binance.TimeInForceTypeGTC
	}
}

func binanceStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return OrderStatusAccepted
	case binance.OrderStatusTypePartiallyFilled:
		return OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return OrderStatusExpired
	default:
		return OrderStatusSubmitted
	}
}

// classifyBinanceErr maps go-binance errors onto the package taxonomy.
func classifyBinanceErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // request weight / order rate exceeded
			return &RateLimitedError{}
		case -1000, -1001, -1021: // internal error, disconnected, recv window
			return &TransientError{Err: err}
		default:
			return &RejectedError{
				Code:   strconv.FormatInt(apiErr.Code, 10),
				Reason: apiErr.Message,
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return &TransientError{Err: err}
}

var _ Broker = (*BinanceBroker)(nil)
