package twitch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/sony/gobreaker"
)

const (
	breakerConsecutiveFailures = 5
	breakerOpenDuration        = 30 * time.Second
	breakerHalfOpenRequests    = 1
)

var ErrCircuitOpen = errors.New("twitch api circuit breaker is open")

func newBreaker(m *metrics.UpstreamMetrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twitch-helix",
		MaxRequests: breakerHalfOpenRequests,
		Timeout:     breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.BreakerState.Set(stateToFloat(to))
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// CheckHealth reports an error while the circuit breaker is open.
func (c *Client) CheckHealth(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}
