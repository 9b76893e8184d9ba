package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a caller-supplied timeout elapses before a
// rate-limit token or broker response arrives. The dispatcher treats it as
// transient up to its retry bound.
var ErrTimeout = errors.New("broker: operation timed out")

// ErrOrderNotFound is returned by ledger and adapter lookups.
var ErrOrderNotFound = errors.New("broker: order not found")

// ValidationError reports a malformed or inconsistent order spec. It is
// raised before any broker call and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order spec: %s: %s", e.Field, e.Reason)
}

// TransientError wraps a network, timeout, or broker 5xx failure. Callers
// may retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient broker failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError signals a broker-side throttle. RetryAfter carries the
// broker's backoff hint when one was provided.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by broker, retry after %s", e.RetryAfter)
	}
	return "rate limited by broker"
}

// RejectedError is a terminal broker-side business rejection (4xx).
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("order rejected by broker (%s): %s", e.Code, e.Reason)
	}
	return "order rejected by broker: " + e.Reason
}

// InvalidTransitionError reports an illegal order state transition. It is a
// programming or ordering defect: logged and dropped, never fatal.
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

// DriftError reports an unresolvable mismatch between ledger and broker
// state found by reconciliation.
type DriftError struct {
	OrderID string
	Detail  string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("drift detected for order %s: %s", e.OrderID, e.Detail)
}

// IsTransient reports whether err should be retried with backoff. Timeouts
// count as transient; the dispatcher bounds the retry count.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited reports whether err is a broker throttle signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsRejected reports whether err is a terminal broker rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
