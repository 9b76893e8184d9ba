package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// Class separates broker requests into priority tiers. Trade-class
// requests (placements and cancellations) are always granted before
// poll-class requests (reconciliation reads, balance snapshots).
type Class int

const (
	ClassTrade Class = iota
	ClassPoll
)

func (c Class) String() string {
	if c == ClassTrade {
		return "trade"
	}
	return "poll"
}

// ErrClosed is returned for requests made after the dispatcher shut down.
var ErrClosed = errors.New("dispatcher closed")

// Config tunes the dispatcher's token bucket and adaptive backoff.
type Config struct {
	// RequestsPerSecond is the steady-state broker request budget.
	RequestsPerSecond float64
	// Burst is the token bucket depth.
	Burst int
	// MinRate is the floor the budget shrinks to under throttling.
	MinRate float64
	// RestoreAfter is the number of consecutive successes before one
	// restore step towards the configured budget.
	RestoreAfter int
	// RestoreFactor multiplies the current budget on each restore step.
	RestoreFactor float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             5,
		MinRate:           0.5,
		RestoreAfter:      10,
		RestoreFactor:     1.5,
	}
}

type waiter struct {
	grant     chan struct{}
	cancelled bool
}

// Dispatcher paces all outbound broker requests through a shared token
// bucket with two priority tiers. When the broker signals throttling the
// budget shrinks multiplicatively and recovers gradually once calls
// succeed again.
type Dispatcher struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	trade  []*waiter
	poll   []*waiter
	streak int

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New creates a dispatcher and starts its grant loop.
func New(cfg Config) *Dispatcher {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	d := &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: newBrokerBreaker(),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// Close stops the grant loop. Pending waiters receive ErrClosed.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.closed) })
}

func (d *Dispatcher) loop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.closed
		cancel()
	}()

	for {
		d.mu.Lock()
		idle := len(d.trade) == 0 && len(d.poll) == 0
		d.mu.Unlock()

		if idle {
			select {
			case <-d.wake:
				continue
			case <-d.closed:
				return
			}
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		d.mu.Lock()
		w := d.nextLocked()
		d.mu.Unlock()
		if w != nil {
			close(w.grant)
		}
	}
}

// nextLocked pops the highest-priority live waiter. Caller holds d.mu.
func (d *Dispatcher) nextLocked() *waiter {
	for len(d.trade) > 0 {
		w := d.trade[0]
		d.trade = d.trade[1:]
		if !w.cancelled {
			return w
		}
	}
	for len(d.poll) > 0 {
		w := d.poll[0]
		d.poll = d.poll[1:]
		if !w.cancelled {
			return w
		}
	}
	return nil
}

// Acquire blocks until a request token is granted or the context ends.
// A deadline expiry surfaces as the timeout error so callers can treat
// an overloaded dispatcher like a slow broker.
func (d *Dispatcher) Acquire(ctx context.Context, class Class) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}

	w := &waiter{grant: make(chan struct{})}
	d.mu.Lock()
	if class == ClassTrade {
		d.trade = append(d.trade, w)
	} else {
		d.poll = append(d.poll, w)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case <-w.grant:
		return nil
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		d.mu.Lock()
		w.cancelled = true
		d.mu.Unlock()
		select {
		case <-w.grant:
			// Token was granted while we were cancelling; use it.
			return nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return broker.ErrTimeout
		}
		return ctx.Err()
	}
}

// Do acquires a token for the given class, then runs fn through the
// broker circuit breaker and feeds the outcome into the adaptive budget.
func (d *Dispatcher) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	if err := d.Acquire(ctx, class); err != nil {
		return err
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &broker.TransientError{Err: err}
	}

	d.observe(err)
	return err
}

// observe adapts the request budget to the broker's responses.
func (d *Dispatcher) observe(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case err == nil:
		d.streak++
		current := float64(d.limiter.Limit())
		if d.streak >= d.cfg.RestoreAfter && current < d.cfg.RequestsPerSecond {
			restored := current * d.cfg.RestoreFactor
			if restored > d.cfg.RequestsPerSecond {
				restored = d.cfg.RequestsPerSecond
			}
			d.limiter.SetLimit(rate.Limit(restored))
			d.streak = 0
			log.Info().
				Float64("rate", restored).
				Msg("Restoring broker request budget")
		}

	case broker.IsRateLimited(err):
		d.streak = 0
		shrunk := float64(d.limiter.Limit()) / 2
		if shrunk < d.cfg.MinRate {
			shrunk = d.cfg.MinRate
		}
		d.limiter.SetLimit(rate.Limit(shrunk))
		log.Warn().
			Float64("rate", shrunk).
			Msg("Broker throttling detected, shrinking request budget")

	default:
		d.streak = 0
	}
}

// CurrentRate reports the request budget in effect.
func (d *Dispatcher) CurrentRate() float64 {
	return float64(d.limiter.Limit())
}

// TokensRemaining reports the tokens available in the bucket right now.
func (d *Dispatcher) TokensRemaining() float64 {
	return d.limiter.Tokens()
}

// PendingByClass reports queued waiter counts for observability.
func (d *Dispatcher) PendingByClass() (trade, poll int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.trade), len(d.poll)
}

// WaitIdle blocks until both queues are empty or the timeout elapses.
// Test helper used to sequence deterministic scenarios.
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		trade, poll := d.PendingByClass()
		if trade == 0 && poll == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
