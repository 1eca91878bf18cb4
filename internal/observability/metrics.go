package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	batchSizeBuckets      = []float64{1, 5, 10, 25, 50, 100}
)

// Metrics holds all Prometheus metric instruments for the approval service.
type Metrics struct {
	// Workflow metrics
	WorkflowStartsTotal   *prometheus.CounterVec
	WorkflowActionsTotal  *prometheus.CounterVec
	WorkflowEndingsTotal  *prometheus.CounterVec
	BatchItemsProcessed   *prometheus.CounterVec
	BatchSize             prometheus.Histogram

	// Routing metrics
	RoutingResolutionsTotal *prometheus.CounterVec
	RoutingFallbacksTotal   *prometheus.CounterVec

	// Engine adapter metrics
	EngineRequestsTotal   *prometheus.CounterVec
	EngineRequestDuration *prometheus.HistogramVec
	EngineRetriesTotal    prometheus.Counter

	// Directory metrics
	LookupCacheHitsTotal   prometheus.Counter
	LookupCacheMissesTotal prometheus.Counter
	UserSyncConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all metrics with the given registerer.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_starts_total",
			Help: "Workflow instance starts by business type and outcome.",
		}, []string{"business_type", "outcome"}),
		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_actions_total",
			Help: "Approve/reject/return operations by action and outcome.",
		}, []string{"action", "outcome"}),
		WorkflowEndingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_endings_total",
			Help: "Instances reaching a terminal status.",
		}, []string{"status"}),
		BatchItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_batch_items_total",
			Help: "Batch items processed by outcome.",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approval_batch_size",
			Help:    "Number of items per batch request.",
			Buckets: batchSizeBuckets,
		}),
		RoutingResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_routing_resolutions_total",
			Help: "Role resolutions by role and outcome.",
		}, []string{"role", "outcome"}),
		RoutingFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_routing_fallbacks_total",
			Help: "Fallback steps taken during role resolution.",
		}, []string{"role"}),
		EngineRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_engine_requests_total",
			Help: "Engine REST requests by operation and status class.",
		}, []string{"operation", "status"}),
		EngineRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_engine_request_duration_seconds",
			Help:    "Engine REST request latency.",
			Buckets: engineDurationBuckets,
		}, []string{"operation"}),
		EngineRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_engine_retries_total",
			Help: "Engine requests retried after a retryable failure.",
		}),
		LookupCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_lookup_cache_hits_total",
			Help: "Directory lookup cache hits.",
		}),
		LookupCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_lookup_cache_misses_total",
			Help: "Directory lookup cache misses.",
		}),
		UserSyncConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_user_sync_conflicts_total",
			Help: "Version conflicts hit while syncing directory users.",
		}),
	}

	reg.MustRegister(
		m.WorkflowStartsTotal,
		m.WorkflowActionsTotal,
		m.WorkflowEndingsTotal,
		m.BatchItemsProcessed,
		m.BatchSize,
		m.RoutingResolutionsTotal,
		m.RoutingFallbacksTotal,
		m.EngineRequestsTotal,
		m.EngineRequestDuration,
		m.EngineRetriesTotal,
		m.LookupCacheHitsTotal,
		m.LookupCacheMissesTotal,
		m.UserSyncConflictsTotal,
	)
	return m
}

// ObserveEngineRequest records one engine REST request.
func (m *Metrics) ObserveEngineRequest(operation, status string, elapsed time.Duration) {
	m.EngineRequestsTotal.WithLabelValues(operation, status).Inc()
	m.EngineRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
