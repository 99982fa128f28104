package fetch

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// newBreaker returns the per-host breaker. It opens after threshold
// consecutive failed fetches and, once reset has elapsed, lets a single
// probe through.
func newBreaker(host string, threshold int, reset time.Duration, logger *slog.Logger) *gobreaker.TwoStepCircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     reset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
	})
}
