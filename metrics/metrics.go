// Package metrics is the client's prometheus surface: a method-duration
// histogram, pool occupancy/health gauges, and an autobatch coalescing
// counter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	methodNameLabel   = "method_name"
	isSuccessfulLabel = "is_successful"
	addressLabel      = "address"
)

var (
	methodDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "emcache_method_duration_seconds",
		Help: "execution time of successful and failed client method calls",
		Buckets: []float64{
			0.0005, 0.001, 0.005, 0.007, 0.015, 0.05, 0.1, 0.2, 0.5, 1,
		},
	}, []string{methodNameLabel, isSuccessfulLabel})

	poolConnectionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emcache_pool_connections_total",
		Help: "total connections currently held by a node's pool",
	}, []string{addressLabel})

	poolConnectionsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emcache_pool_connections_in_use",
		Help: "connections currently leased out of a node's pool",
	}, []string{addressLabel})

	nodeHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emcache_node_healthy",
		Help: "1 if the node is currently healthy, 0 otherwise",
	}, []string{addressLabel})

	// autobatchWireRequestsTotal counts wire requests after coalescing, so
	// comparing it against the number of Get calls shows the batching ratio.
	autobatchWireRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emcache_autobatch_wire_requests_total",
		Help: "multi-key requests issued by the autobatcher, after coalescing",
	}, []string{addressLabel})

	autobatchKeysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emcache_autobatch_keys_total",
		Help: "individual keys coalesced into autobatch wire requests",
	}, []string{addressLabel})
)

func init() {
	prometheus.MustRegister(
		methodDurationSeconds,
		poolConnectionsTotal,
		poolConnectionsInUse,
		nodeHealthy,
		autobatchWireRequestsTotal,
		autobatchKeysTotal,
	)
}

// ObserveMethodDuration records how long a façade method call took.
func ObserveMethodDuration(method string, duration time.Duration, successful bool) {
	flag := "0"
	if successful {
		flag = "1"
	}
	methodDurationSeconds.WithLabelValues(method, flag).Observe(duration.Seconds())
}

// SetPoolOccupancy records a node pool's current total/in-use connection
// counts.
func SetPoolOccupancy(address string, total, inUse int32) {
	poolConnectionsTotal.WithLabelValues(address).Set(float64(total))
	poolConnectionsInUse.WithLabelValues(address).Set(float64(inUse))
}

// SetNodeHealthy records a node's current health signal.
func SetNodeHealthy(address string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	nodeHealthy.WithLabelValues(address).Set(v)
}

// ObserveAutobatchFlush records one flushed autobatch wire request and how
// many keys it carried.
func ObserveAutobatchFlush(address string, keyCount int) {
	autobatchWireRequestsTotal.WithLabelValues(address).Inc()
	autobatchKeysTotal.WithLabelValues(address).Add(float64(keyCount))
}
