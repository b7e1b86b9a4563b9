package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/resilience"
)

// Guarded decorates a provider with retries and a circuit breaker. While the
// circuit is open the provider reports itself unavailable. Breaker
// transitions are logged and exported as metrics.
type Guarded struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewGuarded wraps inner with the given retry and circuit settings.
func NewGuarded(inner Provider, retry resilience.RetryConfig, circuit resilience.CircuitBreakerConfig) *Guarded {
	name := inner.Name()
	if circuit.ShouldTrip == nil {
		circuit.ShouldTrip = resilience.IsTransient
	}
	circuit.OnStateChange = reportState(name, circuit.OnStateChange)
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(name, "lookup")
	}
	circuitState.WithLabelValues(name).Set(float64(resilience.CircuitClosed))
	return &Guarded{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(circuit),
		retry:   retry,
	}
}

// reportState records a breaker transition, then calls next if set.
func reportState(name string, next func(from, to resilience.CircuitState)) func(from, to resilience.CircuitState) {
	return func(from, to resilience.CircuitState) {
		circuitState.WithLabelValues(name).Set(float64(to))
		circuitTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		log := zap.L().With(zap.String("component", "registry"), zap.String("provider", name))
		if to == resilience.CircuitOpen {
			log.Warn("registry circuit opened; lookups will queue or fall back",
				zap.Stringer("from", from))
		} else {
			log.Info("registry circuit state changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
		if next != nil {
			next(from, to)
		}
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Available() bool {
	return g.inner.Available() && g.breaker.State() != resilience.CircuitOpen
}

// Breaker exposes the circuit for health reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Lookup runs one budgeted lookup. Retries inside it are not charged to the
// budget again; each upstream call is counted in attempts_total.
func (g *Guarded) Lookup(ctx context.Context, name string) (*Candidate, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Candidate, error) {
		return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*Candidate, error) {
			lookupAttempts.WithLabelValues(g.inner.Name()).Inc()
			return g.inner.Lookup(ctx, name)
		})
	})
}
