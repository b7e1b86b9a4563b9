package waterfall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rowsResolved counts rows by final status.
	// Labels: status (SUCCESS_INTERNAL, SUCCESS_EXTERNAL, PENDING_LOOKUP, TEMP_ASSIGNED, FAILED)
	rowsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "resolver",
		Name:      "rows_total",
		Help:      "Rows processed by final resolution status",
	}, []string{"status"})

	// tierHits counts decisive hits per tier and lookup type.
	// Labels: tier (override, cache, existing_column, registry), lookup_type
	tierHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "resolver",
		Name:      "tier_hits_total",
		Help:      "Rows decided by each waterfall tier",
	}, []string{"tier", "lookup_type"})

	// registryCalls counts registry lookups by outcome.
	// Labels: outcome (hit, miss, error, timeout, unavailable)
	registryCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "registry",
		Name:      "calls_total",
		Help:      "Registry lookups by outcome",
	}, []string{"outcome"})

	// registryLatency measures registry lookup latency.
	registryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "companyid",
		Subsystem: "registry",
		Name:      "latency_seconds",
		Help:      "Registry lookup latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// repositoryErrors counts cache store failures that degraded a tier.
	// Labels: op (lookup, record_hits, backflow, enqueue)
	repositoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "resolver",
		Name:      "repository_errors_total",
		Help:      "Cache store and queue failures by operation",
	}, []string{"op"})

	// batchDuration measures end-to-end Resolve latency.
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "companyid",
		Subsystem: "resolver",
		Name:      "batch_duration_seconds",
		Help:      "Resolve call latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// backflowRecords counts cache records written by backflow.
	// Labels: result (inserted, updated)
	backflowRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "companyid",
		Subsystem: "backflow",
		Name:      "records_total",
		Help:      "Cache records written by backflow",
	}, []string{"result"})
)
