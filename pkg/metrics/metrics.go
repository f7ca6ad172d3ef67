package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Config metrics
	ConfigWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conreg_config_writes_total",
			Help: "Total number of replicated config writes",
		},
	)

	ConfigWatchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conreg_config_watchers_active",
			Help: "Number of long-poll watch requests currently held",
		},
	)

	// Discovery metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conreg_instances_total",
			Help: "Total number of service instances by status",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conreg_heartbeats_total",
			Help: "Total number of instance heartbeats received",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conreg_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conreg_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Forwarding metrics
	ForwardedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conreg_forwarded_writes_total",
			Help: "Total number of writes forwarded to the leader",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(ConfigWritesTotal)
	prometheus.MustRegister(ConfigWatchersActive)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ForwardedWritesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
