// Package metrics defines the Prometheus instrumentation shared by all node
// roles. Collectors register on the default registry and are served from
// GET /metrics on every node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts handled requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled.",
	}, []string{"node_type", "method", "code"})

	// HTTPDuration tracks request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type", "method"})

	// StoreRequests counts object store operations by outcome.
	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "store_requests_total",
		Help:      "Object store operations.",
	}, []string{"op", "result"})

	// CacheBytes reports resident bytes per cache.
	CacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strata",
		Name:      "cache_bytes",
		Help:      "Resident bytes per cache.",
	}, []string{"cache"})

	// CacheDirty reports the number of dirty entries per cache.
	CacheDirty = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strata",
		Name:      "cache_dirty_entries",
		Help:      "Dirty entries awaiting flush per cache.",
	}, []string{"cache"})

	// SyncedObjects counts objects flushed to the store by the syncer.
	SyncedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "synced_objects_total",
		Help:      "Objects flushed by the background syncer.",
	})

	// SyncRetries counts flush attempts that failed and were requeued.
	SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "sync_retries_total",
		Help:      "Failed flush attempts requeued for retry.",
	})

	// ClusterNodes reports registered nodes per role.
	ClusterNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strata",
		Name:      "cluster_nodes",
		Help:      "Registered nodes per role.",
	}, []string{"node_type"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one handled request.
func ObserveRequest(nodeType, method string, code int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(nodeType, method, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(nodeType, method).Observe(elapsed.Seconds())
}
