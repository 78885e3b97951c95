// Package metrics provides Prometheus metrics for meshpath nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all meshpath metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NodeMetrics holds the client-side metrics: traversal outcomes, cache
// effectiveness, and relay session health.
type NodeMetrics struct {
	ProbesTotal      prometheus.Counter
	ProbeFailures    prometheus.Counter
	DirectPaths      prometheus.Gauge
	RelayedPaths     prometheus.Gauge
	EscalationsTotal prometheus.Counter
	DirectUpgrades   prometheus.Counter

	CacheEndpoints   prometheus.Gauge
	CacheEvictions   prometheus.Counter
	RelayConnectsOK  prometheus.Counter
	RelayConnectsErr prometheus.Counter

	HeartbeatTimeouts prometheus.Counter
	PeerRTTMs         *prometheus.GaugeVec // labels: peer
}

// InitNodeMetrics registers the client metrics with node as a constant
// label.
func InitNodeMetrics(node string) *NodeMetrics {
	constLabels := prometheus.Labels{"node": node}

	return &NodeMetrics{
		ProbesTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_probes_total",
			Help:        "Direct endpoint probes attempted",
			ConstLabels: constLabels,
		}),
		ProbeFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_probe_failures_total",
			Help:        "Direct endpoint probes that failed",
			ConstLabels: constLabels,
		}),
		DirectPaths: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "meshpath_direct_paths",
			Help:        "Peers currently reached directly",
			ConstLabels: constLabels,
		}),
		RelayedPaths: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "meshpath_relayed_paths",
			Help:        "Peers currently reached through a relay",
			ConstLabels: constLabels,
		}),
		EscalationsTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_escalations_total",
			Help:        "Times direct traversal was abandoned for a relay",
			ConstLabels: constLabels,
		}),
		DirectUpgrades: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_direct_upgrades_total",
			Help:        "Relayed peers upgraded to a direct path",
			ConstLabels: constLabels,
		}),
		CacheEndpoints: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "meshpath_cache_endpoints",
			Help:        "Endpoints held in the connection cache",
			ConstLabels: constLabels,
		}),
		CacheEvictions: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_cache_evictions_total",
			Help:        "Cache entries evicted for failures or age",
			ConstLabels: constLabels,
		}),
		RelayConnectsOK: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_connects_total",
			Help:        "Relay sessions established",
			ConstLabels: constLabels,
		}),
		RelayConnectsErr: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_connect_failures_total",
			Help:        "Relay connection attempts that failed",
			ConstLabels: constLabels,
		}),
		HeartbeatTimeouts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_heartbeat_timeouts_total",
			Help:        "Relay sessions declared dead after missed heartbeat acks",
			ConstLabels: constLabels,
		}),
		PeerRTTMs: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meshpath_peer_rtt_ms",
			Help:        "Measured round-trip time per peer in milliseconds",
			ConstLabels: constLabels,
		}, []string{"peer"}),
	}
}

// RelayMetrics holds the relay service metrics.
type RelayMetrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsRejected  *prometheus.CounterVec // labels: reason
	SessionsExpired   prometheus.Counter
	PacketsForwarded  prometheus.Counter
	BytesForwarded    prometheus.Counter
	PacketsDropped    *prometheus.CounterVec // labels: reason
	HeartbeatsHandled prometheus.Counter
	DiscoveryQueries  prometheus.Counter
	Load              prometheus.Gauge
}

// InitRelayMetrics registers the relay service metrics with relay as a
// constant label.
func InitRelayMetrics(relay string) *RelayMetrics {
	constLabels := prometheus.Labels{"relay": relay}

	return &RelayMetrics{
		SessionsActive: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "meshpath_relay_sessions_active",
			Help:        "Relay sessions currently established",
			ConstLabels: constLabels,
		}),
		SessionsTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_sessions_total",
			Help:        "Relay sessions accepted since start",
			ConstLabels: constLabels,
		}),
		SessionsRejected: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "meshpath_relay_sessions_rejected_total",
			Help:        "Connection requests refused",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		SessionsExpired: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_sessions_expired_total",
			Help:        "Sessions reaped for inactivity or age",
			ConstLabels: constLabels,
		}),
		PacketsForwarded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_packets_forwarded_total",
			Help:        "Data packets copied between session endpoints",
			ConstLabels: constLabels,
		}),
		BytesForwarded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_bytes_forwarded_total",
			Help:        "Payload bytes copied between session endpoints",
			ConstLabels: constLabels,
		}),
		PacketsDropped: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "meshpath_relay_packets_dropped_total",
			Help:        "Packets dropped instead of forwarded",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		HeartbeatsHandled: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_heartbeats_total",
			Help:        "Session heartbeats processed",
			ConstLabels: constLabels,
		}),
		DiscoveryQueries: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "meshpath_relay_discovery_queries_total",
			Help:        "Discovery queries answered",
			ConstLabels: constLabels,
		}),
		Load: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "meshpath_relay_load",
			Help:        "Relay load percentage, 0-100",
			ConstLabels: constLabels,
		}),
	}
}
