package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Controller metrics
	ControllersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabricd_controllers",
			Help: "Number of managed controllers by kind and state",
		},
		[]string{"kind", "state"},
	)

	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricd_connect_attempts_total",
			Help: "Total number of fabric connect attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DLPEEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricd_dlpe_entries",
			Help: "Current number of cached discovery log page entries",
		},
	)

	// Reconciler metrics
	ReconcileTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabricd_reconcile_total",
			Help: "Total number of reconcile passes",
		},
	)

	ReconcileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricd_reconcile_actions_total",
			Help: "Total number of reconcile actions by action type",
		},
		[]string{"action"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabricd_reconcile_duration_seconds",
			Help:    "Reconcile pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricd_worker_queue_depth",
			Help: "Number of tasks waiting in the worker pool queue",
		},
	)

	// Event source metrics
	UeventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricd_uevents_total",
			Help: "Total number of nvme kernel uevents received by action",
		},
		[]string{"action"},
	)

	MDNSServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricd_mdns_services",
			Help: "Number of resolved mDNS discovery controller candidates",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ControllersTotal)
	prometheus.MustRegister(ConnectAttemptsTotal)
	prometheus.MustRegister(DLPEEntries)
	prometheus.MustRegister(ReconcileTotal)
	prometheus.MustRegister(ReconcileActionsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(UeventsTotal)
	prometheus.MustRegister(MDNSServices)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
