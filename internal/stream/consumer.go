package stream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

// Config tunes the consumer's reconnect behavior.
type Config struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential reconnect delay.
	MaxBackoff time.Duration
	// JitterFraction randomizes each delay by up to this fraction, so a
	// fleet of consumers does not reconnect in lockstep.
	JitterFraction float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Consumer owns the broker account event stream. It keeps exactly one
// subscription alive, reconnects with capped exponential backoff, and
// resubscribes from the last applied cursor so no events are skipped.
// Every received event is folded into the ledger; ordering per broker
// order is enforced through the sequence number when the broker
// provides one.
type Consumer struct {
	broker  broker.Broker
	ledger  *ledger.Ledger
	tracker *dispatch.ConnTracker
	cfg     Config

	mu      sync.Mutex
	cursor  uint64
	lastSeq map[string]uint64

	onReconnect func()
}

// New creates a consumer. The tracker is updated as connectivity
// changes; pass nil to skip tracking.
func New(b broker.Broker, l *ledger.Ledger, tracker *dispatch.ConnTracker, cfg Config) *Consumer {
	if tracker == nil {
		tracker = dispatch.NewConnTracker()
	}
	if cfg.InitialBackoff <= 0 {
		cfg = DefaultConfig()
	}
	return &Consumer{
		broker:  b,
		ledger:  l,
		tracker: tracker,
		cfg:     cfg,
		lastSeq: make(map[string]uint64),
	}
}

// OnReconnect registers a callback fired after every successful
// resubscription except the first. The reconciliation engine uses it to
// sweep for events the broker may not replay.
func (c *Consumer) OnReconnect(fn func()) {
	c.onReconnect = fn
}

// Cursor returns the highest event sequence applied so far.
func (c *Consumer) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Run consumes the account stream until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	connected := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.tracker.SetState(dispatch.ConnConnecting)
		feed, err := c.broker.SubscribeAccountFeed(ctx, c.Cursor())
		if err != nil {
			c.tracker.SetState(dispatch.ConnDisconnected)
			log.Warn().Err(err).
				Dur("backoff", backoff).
				Msg("Account stream subscription failed")
			if !c.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.tracker.SetState(dispatch.ConnConnected)
		backoff = c.cfg.InitialBackoff
		if connected && c.onReconnect != nil {
			c.onReconnect()
		}
		connected = true
		log.Info().Uint64("cursor", c.Cursor()).Msg("Account stream subscribed")

		err = c.consume(ctx, feed)
		feed.Close()
		c.tracker.SetState(dispatch.ConnDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).
			Dur("backoff", backoff).
			Msg("Account stream dropped, reconnecting")
		if !c.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = c.nextBackoff(backoff)
	}
}

func (c *Consumer) consume(ctx context.Context, feed broker.Feed) error {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		c.tracker.Heartbeat()
		c.handle(ctx, ev)
	}
}

func (c *Consumer) handle(ctx context.Context, ev broker.Event) {
	if ev.Seq > 0 && ev.BrokerOrderID != "" {
		c.mu.Lock()
		last := c.lastSeq[ev.BrokerOrderID]
		if ev.Seq <= last {
			c.mu.Unlock()
			log.Debug().
				Str("broker_order_id", ev.BrokerOrderID).
				Uint64("seq", ev.Seq).
				Uint64("last_seq", last).
				Msg("Dropping stale stream event")
			return
		}
		c.lastSeq[ev.BrokerOrderID] = ev.Seq
		if ev.Seq > c.cursor {
			c.cursor = ev.Seq
		}
		c.mu.Unlock()
	} else if ev.Seq > 0 {
		c.mu.Lock()
		if ev.Seq > c.cursor {
			c.cursor = ev.Seq
		}
		c.mu.Unlock()
	}

	if err := c.ledger.ApplyBrokerEvent(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("event", string(ev.Type)).
			Str("broker_order_id", ev.BrokerOrderID).
			Msg("Failed to apply stream event")
	}
}

// sleep waits for the delay plus jitter, or until the context ends.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Float64() * c.cfg.JitterFraction * float64(d))
	select {
	case <-time.After(d + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}
