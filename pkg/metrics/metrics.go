package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node pool metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launcher_nodes_total",
			Help: "Total number of nodes by online status",
		},
		[]string{"status"},
	)

	NodeAvailableCPUDMIPS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launcher_node_available_cpu_dmips",
			Help: "Unreserved CPU budget per node, in DMIPS",
		},
		[]string{"node_id"},
	)

	NodeAvailableRAMBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launcher_node_available_ram_bytes",
			Help: "Unreserved RAM budget per node, in bytes",
		},
		[]string{"node_id"},
	)

	// Instance bookkeeping
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launcher_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	// Balancing cycle metrics
	BalancingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "launcher_balancing_duration_seconds",
			Help:    "Time taken to run one balancing pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launcher_placement_failures_total",
			Help: "Total number of instances that could not be placed, by reason",
		},
		[]string{"reason"},
	)

	RebalanceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "launcher_rebalance_cycles_total",
			Help: "Total number of rebalance cycles triggered",
		},
	)

	// Image manager metrics
	ImageBlobDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagemanager_blob_downloads_total",
			Help: "Total number of blob downloads by outcome",
		},
		[]string{"outcome"},
	)

	ImageInstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagemanager_install_duration_seconds",
			Help:    "Time taken to install an update item",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImageEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imagemanager_evictions_total",
			Help: "Total number of outdated items evicted to reclaim space",
		},
	)

	// Space allocator metrics
	SpaceAvailableBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spaceallocator_available_bytes",
			Help: "Remaining allocatable bytes per partition",
		},
		[]string{"partition"},
	)

	SpaceEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spaceallocator_evictions_total",
			Help: "Total number of outdated-item evictions performed to satisfy a reservation",
		},
		[]string{"partition"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launcher_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "launcher_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeAvailableCPUDMIPS)
	prometheus.MustRegister(NodeAvailableRAMBytes)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(BalancingDuration)
	prometheus.MustRegister(PlacementFailuresTotal)
	prometheus.MustRegister(RebalanceCyclesTotal)
	prometheus.MustRegister(ImageBlobDownloadsTotal)
	prometheus.MustRegister(ImageInstallDuration)
	prometheus.MustRegister(ImageEvictionsTotal)
	prometheus.MustRegister(SpaceAvailableBytes)
	prometheus.MustRegister(SpaceEvictionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
