package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitState is the current breaker state per provider.
	// Values: 0 closed, 1 open, 2 half-open
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "companyid",
		Subsystem: "registry",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per registry provider (0 closed, 1 open, 2 half-open)",
	}, []string{"provider"})

	// circuitTransitions counts breaker state changes.
	// Labels: provider, from, to
	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "registry",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions per registry provider",
	}, []string{"provider", "from", "to"})

	// lookupAttempts counts upstream calls, retries included. A budgeted
	// lookup can cost up to MaxAttempts of these.
	lookupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "registry",
		Name:      "attempts_total",
		Help:      "Upstream registry calls including retries",
	}, []string{"provider"})
)
