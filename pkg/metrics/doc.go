/*
Package metrics provides Prometheus metrics collection and exposition for fabricd.

The metrics package defines and registers all fabricd metrics using the
Prometheus client library, providing observability into controller lifecycle,
connect attempt outcomes, reconcile activity, and dispatcher load. Metrics
are exposed via an optional HTTP endpoint for scraping by Prometheus servers,
alongside health and readiness handlers for the same listener.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐            │
	│  │          Prometheus Registry               │            │
	│  │  - Global DefaultRegistry                  │            │
	│  │  - MustRegister at package init            │            │
	│  │  - Automatic Go runtime metrics            │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │           Metric Categories                │            │
	│  │                                            │            │
	│  │  Controllers: count by kind and state      │            │
	│  │  Connects: attempt outcomes                │            │
	│  │  Reconciler: passes, actions, duration     │            │
	│  │  Dispatcher: worker queue depth            │            │
	│  │  Cache: discovery log page entry count     │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │          HTTP Metrics Endpoint             │            │
	│  │  - Path: /metrics (promhttp.Handler)       │            │
	│  │  - /health, /ready, /live alongside        │            │
	│  │  - Enabled with --metrics-addr             │            │
	│  └────────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

Controller Metrics:

	fabricd_controllers              gauge    kind, state
	fabricd_connect_attempts_total   counter  kind, outcome
	fabricd_dlpe_entries             gauge

Reconciler Metrics:

	fabricd_reconcile_total            counter
	fabricd_reconcile_actions_total    counter  action
	fabricd_reconcile_duration_seconds histogram

Dispatcher Metrics:

	fabricd_worker_queue_depth       gauge

# Usage

Recording Counter Increments:

	metrics.ConnectAttemptsTotal.WithLabelValues("ioc", "success").Inc()

Timing an Operation:

	timer := metrics.NewTimer()
	// ... run the reconcile pass ...
	timer.ObserveDuration(metrics.ReconcileDuration)

Periodic Collection:

	collector := metrics.NewCollector(source)
	collector.Start()
	defer collector.Stop()

The Collector polls a Source every 15 seconds for controller and queue
snapshots, resetting the controller gauge each pass so vacated states do
not linger.

# Health Endpoints

Components report liveness through RegisterComponent/UpdateComponent. The
/ready endpoint requires the nvme, dbus, and dispatcher components to be
healthy; /health aggregates every registered component; /live only proves
the process is running.

# Integration Points

Controllers and the reconciler increment counters directly. The service
layer implements Source and wires the Collector, and registers component
health as subsystems come up during startup.
*/
package metrics
