package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-router/internal/connectors"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"golang.org/x/time/rate"
)

type ReputationRegistry interface {
	SubmitFeedback(ctx context.Context, f domain.Feedback) error
}

type ValidationRegistry interface {
	RequestValidation(ctx context.Context, r domain.ValidationRequest) error
}

type GuardSettings struct {
	RatePerSecond       float64
	Burst               int
	Attempts            uint
	CallTimeout         time.Duration
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		RatePerSecond:       50,
		Burst:               10,
		Attempts:            3,
		CallTimeout:         5 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// RegistryGuard puts a rate limiter, a circuit breaker and retries in front
// of the reputation and validation registries.
type RegistryGuard struct {
	reputation ReputationRegistry
	validation ValidationRegistry
	cb         *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	attempts   uint
	timeout    time.Duration
}

func NewRegistryGuard(rep ReputationRegistry, val ValidationRegistry, s GuardSettings, metrics *Metrics) *RegistryGuard {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "registries",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > s.ConsecutiveFailures
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if metrics != nil {
				metrics.RegistryBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &RegistryGuard{
		reputation: rep,
		validation: val,
		cb:         cb,
		limiter:    rate.NewLimiter(rate.Limit(s.RatePerSecond), s.Burst),
		attempts:   s.Attempts,
		timeout:    s.CallTimeout,
	}
}

func (g *RegistryGuard) SubmitFeedback(ctx context.Context, f domain.Feedback) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.reputation.SubmitFeedback(ctx, f)
	})
}

func (g *RegistryGuard) RequestValidation(ctx context.Context, r domain.ValidationRequest) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.validation.RequestValidation(ctx, r)
	})
}

func (g *RegistryGuard) State() gobreaker.State {
	return g.cb.State()
}

func (g *RegistryGuard) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// A throttled registry tells us how long to wait.
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	return err
}
