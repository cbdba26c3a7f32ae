// Package metrics holds the process-wide prometheus collectors: gauges
// per pool/role and counters per outcome.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolInFlight tracks currently-running tasks per pool.
	PoolInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s4_pool_inflight",
			Help: "Number of tasks currently running in a pool",
		},
		[]string{"pool"},
	)

	// PoolQueueDepth tracks tasks submitted but not yet started.
	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s4_pool_queue_depth",
			Help: "Number of tasks queued (submitted, not yet started) in a pool",
		},
		[]string{"pool"},
	)

	// PoolBusyTotal counts admission rejections (start-countdown fired
	// before the task began).
	PoolBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s4_pool_busy_total",
			Help: "Total admission rejections by pool",
		},
		[]string{"pool"},
	)

	// TransferTotal counts PUT/GET outcomes.
	TransferTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s4_transfer_total",
			Help: "Total transfers by operation and result",
		},
		[]string{"op", "result"},
	)

	// GCReclaimedTotal counts objects the GC loop reclaimed.
	GCReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s4_gc_reclaimed_total",
			Help: "Total entities reclaimed by the GC loop, by kind",
		},
		[]string{"kind"},
	)

	// JobsLive tracks the current size of the in-memory job table.
	JobsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s4_jobs_live",
			Help: "Current number of live transfer jobs",
		},
	)

	// MapTasksTotal counts map/map_to_n/map_from_n task outcomes.
	MapTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s4_map_tasks_total",
			Help: "Total map/map_to_n/map_from_n tasks by operation and result",
		},
		[]string{"op", "result"},
	)
)

// MustRegister registers every collector with the default registry. Call
// once at process start.
func MustRegister() {
	prometheus.MustRegister(
		PoolInFlight,
		PoolQueueDepth,
		PoolBusyTotal,
		TransferTotal,
		GCReclaimedTotal,
		JobsLive,
		MapTasksTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
