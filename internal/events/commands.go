package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// OrderService is the slice of the execution engine the command surface
// needs.
type OrderService interface {
	PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Order(orderID string) (broker.Order, error)
}

// CancelRequest is the payload of the cancel command subject.
type CancelRequest struct {
	OrderID string `json:"orderId"`
}

// CommandReply is the response body for both command subjects.
type CommandReply struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	Order *broker.Order `json:"order,omitempty"`
}

// CommandServer serves order commands over NATS request-reply. Subjects are
// `<prefix>cmd.place` (body: order spec JSON) and `<prefix>cmd.cancel`
// (body: CancelRequest). This is the inbound half of the service's
// messaging interface; outbound lifecycle events go through the Publisher.
type CommandServer struct {
	nc      *nats.Conn
	svc     OrderService
	prefix  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewCommandServer wraps an existing connection. The caller keeps ownership
// of the connection.
func NewCommandServer(nc *nats.Conn, svc OrderService, prefix string, timeout time.Duration) *CommandServer {
	if prefix == "" {
		prefix = "orders."
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandServer{
		nc:      nc,
		svc:     svc,
		prefix:  prefix,
		timeout: timeout,
	}
}

// Start subscribes the command subjects. Instances sharing the queue group
// split the command load.
func (s *CommandServer) Start() error {
	placeSub, err := s.nc.QueueSubscribe(s.prefix+"cmd.place", "brokerd", s.handlePlace)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, placeSub)

	cancelSub, err := s.nc.QueueSubscribe(s.prefix+"cmd.cancel", "brokerd", s.handleCancel)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, cancelSub)

	log.Info().
		Str("place_subject", s.prefix+"cmd.place").
		Str("cancel_subject", s.prefix+"cmd.cancel").
		Msg("Order command server started")
	return nil
}

func (s *CommandServer) handlePlace(msg *nats.Msg) {
	var spec broker.OrderSpec
	if err := json.Unmarshal(msg.Data, &spec); err != nil {
		s.reply(msg, CommandReply{OK: false, Error: "malformed order spec: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ord, err := s.svc.PlaceOrder(ctx, spec)
	if err != nil {
		log.Warn().Err(err).Str("symbol", spec.Symbol).Msg("Place command failed")
		s.reply(msg, CommandReply{OK: false, Error: err.Error()})
		return
	}
	s.reply(msg, CommandReply{OK: true, Order: &ord})
}

func (s *CommandServer) handleCancel(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, CommandReply{OK: false, Error: "malformed cancel request: " + err.Error()})
		return
	}
	if req.OrderID == "" {
		s.reply(msg, CommandReply{OK: false, Error: "orderId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.svc.CancelOrder(ctx, req.OrderID); err != nil {
		log.Warn().Err(err).Str("order_id", req.OrderID).Msg("Cancel command failed")
		s.reply(msg, CommandReply{OK: false, Error: err.Error()})
		return
	}

	ord, err := s.svc.Order(req.OrderID)
	if err != nil {
		s.reply(msg, CommandReply{OK: true})
		return
	}
	s.reply(msg, CommandReply{OK: true, Order: &ord})
}

func (s *CommandServer) reply(msg *nats.Msg, r CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("Failed to respond to command")
	}
}

// Close drains the command subscriptions.
func (s *CommandServer) Close() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe command subject")
		}
	}
	s.subs = nil
}
