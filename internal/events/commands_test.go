package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/engine"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

func setupCommandServer(t *testing.T) (*nats.Conn, *ledger.Ledger) {
	t.Helper()
	ns := startTestNATSServer(t)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	l := ledger.New(ledger.DefaultOptions())
	d := dispatch.New(dispatch.Config{
		RequestsPerSecond: 1000,
		Burst:             100,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})
	t.Cleanup(d.Close)

	eng := engine.New(broker.NewPaperBroker(decimal.Zero), l, d, dispatch.DefaultRetryConfig())

	srv := NewCommandServer(nc, eng, "orders.", 5*time.Second)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)

	require.NoError(t, nc.Flush())
	return nc, l
}

func requestReply(t *testing.T, nc *nats.Conn, subject string, body any) CommandReply {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	msg, err := nc.Request(subject, data, 2*time.Second)
	require.NoError(t, err)

	var reply CommandReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestPlaceCommand(t *testing.T) {
	nc, l := setupCommandServer(t)

	reply := requestReply(t, nc, "orders.cmd.place", broker.OrderSpec{
		Symbol:      "AAPL",
		Side:        broker.SideBuy,
		Type:        broker.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("10"),
		LimitPrice:  decimal.RequireFromString("99.50"),
		TimeInForce: broker.TimeInForceGTC,
	})

	require.True(t, reply.OK)
	require.NotNil(t, reply.Order)
	assert.Equal(t, broker.OrderStatusAccepted, reply.Order.Status)

	got, err := l.Get(reply.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusAccepted, got.Status)
}

func TestPlaceCommandValidation(t *testing.T) {
	nc, _ := setupCommandServer(t)

	reply := requestReply(t, nc, "orders.cmd.place", broker.OrderSpec{
		Symbol: "AAPL",
		Side:   broker.SideBuy,
		Type:   broker.OrderTypeLimit,
		// Quantity missing
		LimitPrice:  decimal.RequireFromString("99.50"),
		TimeInForce: broker.TimeInForceGTC,
	})

	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "quantity")
}

func TestCancelCommand(t *testing.T) {
	nc, _ := setupCommandServer(t)

	placed := requestReply(t, nc, "orders.cmd.place", broker.OrderSpec{
		Symbol:      "AAPL",
		Side:        broker.SideBuy,
		Type:        broker.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("10"),
		LimitPrice:  decimal.RequireFromString("99.50"),
		TimeInForce: broker.TimeInForceGTC,
	})
	require.True(t, placed.OK)

	reply := requestReply(t, nc, "orders.cmd.cancel", CancelRequest{OrderID: placed.Order.ID})
	require.True(t, reply.OK)

	unknown := requestReply(t, nc, "orders.cmd.cancel", CancelRequest{OrderID: "no-such-order"})
	assert.False(t, unknown.OK)
}
