package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox metrics
	SandboxesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bay_sandboxes_total",
			Help: "Total number of living (non-tombstoned) sandboxes",
		},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_sessions_total",
			Help: "Total number of sessions by observed state",
		},
		[]string{"state"},
	)

	SandboxesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_sandboxes_created_total",
			Help: "Total number of sandboxes created",
		},
	)

	SandboxesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_sandboxes_deleted_total",
			Help: "Total number of sandboxes deleted by cause",
		},
		[]string{"cause"},
	)

	// Session metrics
	SessionsMaterialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_sessions_materialized_total",
			Help: "Total number of session materializations by outcome",
		},
		[]string{"outcome"},
	)

	SessionStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_session_startup_duration_seconds",
			Help:    "Time from session create to running",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	// Capability dispatch metrics
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_capability_dispatch_total",
			Help: "Total capability dispatches by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_capability_dispatch_duration_seconds",
			Help:    "Capability dispatch latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"capability"},
	)

	// Adapter pool metrics
	AdapterPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bay_adapter_pool_size",
			Help: "Number of constructed runtime adapters",
		},
	)

	// Cargo metrics
	CargosTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_cargos_total",
			Help: "Total number of cargos by kind",
		},
		[]string{"kind"},
	)

	// GC metrics
	GCCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_gc_cycles_total",
			Help: "Total number of completed GC cycles",
		},
	)

	GCCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_gc_cycle_duration_seconds",
			Help:    "GC cycle wall time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	GCCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_cleaned_total",
			Help: "Total items cleaned by GC task",
		},
		[]string{"task"},
	)

	GCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_errors_total",
			Help: "Total per-item errors by GC task",
		},
		[]string{"task"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_api_requests_total",
			Help: "Total API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_api_request_duration_seconds",
			Help:    "API request latency by method and path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Idempotency metrics
	IdempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_idempotency_total",
			Help: "Idempotency layer outcomes",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SandboxesCreated)
	prometheus.MustRegister(SandboxesDeleted)
	prometheus.MustRegister(SessionsMaterialized)
	prometheus.MustRegister(SessionStartupDuration)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(AdapterPoolSize)
	prometheus.MustRegister(CargosTotal)
	prometheus.MustRegister(GCCycles)
	prometheus.MustRegister(GCCycleDuration)
	prometheus.MustRegister(GCCleaned)
	prometheus.MustRegister(GCErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IdempotencyHits)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
