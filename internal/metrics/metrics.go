// Package metrics exposes KohakuRiver's Prometheus instrumentation: task
// lifecycle counters, node resource gauges, overlay/reservation gauges, and
// tunnel throughput counters. Both the Host and Runner binaries register
// this package's collectors and serve them over /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_scheduled_total",
			Help: "Total number of tasks successfully dispatched to a runner",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_failed_total",
			Help: "Total number of tasks that ended in a failure state",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_scheduling_latency_seconds",
			Help:    "Time from submission to dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	NodeAllocatedCores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_node_allocated_cores",
			Help: "Currently allocated CPU cores per node",
		},
		[]string{"hostname"},
	)

	NodeAllocatedMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_node_allocated_memory_bytes",
			Help: "Currently allocated memory bytes per node",
		},
		[]string{"hostname"},
	)

	OverlayAllocationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_overlay_allocations_total",
			Help: "Total number of live overlay allocations",
		},
	)

	OverlayPlaceholdersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_overlay_placeholders_total",
			Help: "Total number of placeholder overlay allocations awaiting re-registration",
		},
	)

	ReservationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_ip_reservations_active",
			Help: "Currently active IP reservations by purpose",
		},
		[]string{"purpose"},
	)

	TunnelConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tunnel_connections_active",
			Help: "Currently open multiplexed tunnel connections",
		},
	)

	TunnelBytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_tunnel_bytes_total",
			Help: "Bytes forwarded through the tunnel fabric by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksScheduled,
		TasksFailed,
		SchedulingLatency,
		NodesTotal,
		NodeAllocatedCores,
		NodeAllocatedMemoryBytes,
		OverlayAllocationsTotal,
		OverlayPlaceholdersTotal,
		ReservationsActive,
		TunnelConnectionsActive,
		TunnelBytesTransferred,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
