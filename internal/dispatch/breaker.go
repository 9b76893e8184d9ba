package dispatch

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// Broker circuit breaker thresholds.
const (
	brokerMinRequests     = 5                // Minimum requests before tripping
	brokerFailureRatio    = 0.6              // Failure ratio threshold (60%)
	brokerOpenTimeout     = 30 * time.Second // How long circuit stays open
	brokerHalfOpenMaxReqs = 3                // Max requests in half-open state
	brokerCountInterval   = 10 * time.Second // Window for counting failures
)

// newBrokerBreaker creates the circuit breaker that guards all outbound
// broker calls. Sustained failures open the circuit and fail requests
// fast instead of burning the request budget on a dead broker.
func newBrokerBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: brokerHalfOpenMaxReqs,
		Interval:    brokerCountInterval,
		Timeout:     brokerOpenTimeout,
		IsSuccessful: func(err error) bool {
			// A broker rejection is a valid answer, not an outage.
			return err == nil || broker.IsRejected(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= brokerMinRequests && failureRatio >= brokerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state changed")
		},
	})
}
