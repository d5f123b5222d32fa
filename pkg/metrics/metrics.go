package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector exported by the sync core.
type Metrics struct {
	// Background transfer queues
	QueueDepth      *prometheus.GaugeVec
	ActiveTransfers *prometheus.GaugeVec
	TransfersTotal  *prometheus.CounterVec

	// Connection pool
	PoolConnections *prometheus.GaugeVec
	PoolPending     prometheus.Gauge
	PoolEvictions   *prometheus.CounterVec

	// Reconciliation
	ReconcilePasses     prometheus.Counter
	ReconcileOperations *prometheus.CounterVec
	ReconcileDuration   prometheus.Histogram

	// Documents
	StaleDocuments  prometheus.Counter
	StaleResolved   prometheus.Counter
	TokenRefreshes  *prometheus.CounterVec
	ProviderConnect *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registry gets a private one.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaysync_queue_depth",
			Help: "Items waiting in a background transfer queue",
		}, []string{"queue"}),
		ActiveTransfers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaysync_active_transfers",
			Help: "Transfers currently running per queue",
		}, []string{"queue"}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_transfers_total",
			Help: "Finished transfers by queue and result",
		}, []string{"queue", "result"}),

		PoolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaysync_pool_connections",
			Help: "Open pooled connections by class",
		}, []string{"class"}),
		PoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaysync_pool_pending_requests",
			Help: "Connection requests waiting for capacity",
		}),
		PoolEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_pool_evictions_total",
			Help: "Connections evicted by the pool sweep",
		}, []string{"reason"}),

		ReconcilePasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_reconcile_passes_total",
			Help: "Completed shared folder reconciliation passes",
		}),
		ReconcileOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_reconcile_operations_total",
			Help: "Operations issued by reconciliation",
		}, []string{"op"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaysync_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		StaleDocuments: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_stale_documents_total",
			Help: "Staleness checks that found disk and CRDT content diverged",
		}),
		StaleResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_stale_resolved_total",
			Help: "Stale documents resolved by a pending transform",
		}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_token_refreshes_total",
			Help: "Access token fetches by result",
		}, []string{"result"}),
		ProviderConnect: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_provider_connects_total",
			Help: "Provider connect attempts by result",
		}, []string{"result"}),
	}
}
