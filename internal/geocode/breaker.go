package geocode

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	appLog "techcal/internal/log"
	"techcal/internal/metrics"
)

// Breaker wraps a Backend with a circuit breaker so a provider outage fails
// fast instead of burning the retry budget on every query.
type Breaker struct {
	next Backend
	cb   *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewBreaker opens after five consecutive failures and probes again after cooldown.
// A no-match answer counts as success.
func NewBreaker(next Backend, cooldown time.Duration) *Breaker {
	name := "geocode-" + next.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoMatch)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("geocode: circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Geocode(ctx context.Context, query string) (json.RawMessage, error) {
	return b.cb.Execute(func() (json.RawMessage, error) {
		return b.next.Geocode(ctx, query)
	})
}

// isRejected reports errors produced by an open breaker rather than the provider.
func isRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
