package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Management channel metrics
	ManagementMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_management_messages_sent_total",
			Help: "Total number of management messages accepted for sending",
		},
	)

	ManagementMessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_management_messages_received_total",
			Help: "Total number of management datagrams handed to the channel",
		},
	)

	// Routing metrics
	DatagramsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_datagrams_forwarded_total",
			Help: "Total number of client datagrams forwarded to owning peers",
		},
	)

	DatagramsBackwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_datagrams_backwarded_total",
			Help: "Total number of replies routed back through forwarding peers",
		},
	)

	RoutingDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covey_routing_dropped_total",
			Help: "Total number of datagrams the routing layer dropped by reason",
		},
		[]string{"reason"},
	)

	ViaEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "covey_via_entries",
			Help: "Number of remembered client return paths",
		},
	)

	ClusterPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "covey_cluster_peers",
			Help: "Number of peers in the node table",
		},
	)

	// Secure transport metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covey_sessions_active",
			Help: "Number of live sessions by transport",
		},
		[]string{"transport"},
	)

	HandshakesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covey_handshakes_completed_total",
			Help: "Total number of completed handshakes by transport",
		},
		[]string{"transport"},
	)

	HandshakesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covey_handshakes_failed_total",
			Help: "Total number of failed handshakes by transport and reason",
		},
		[]string{"transport", "reason"},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covey_records_dropped_total",
			Help: "Total number of records discarded by transport and reason",
		},
		[]string{"transport", "reason"},
	)

	// HTTP metrics
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "covey_http_request_duration_seconds",
			Help:    "Diagnostic endpoint request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ManagementMessagesSent)
	prometheus.MustRegister(ManagementMessagesReceived)
	prometheus.MustRegister(DatagramsForwarded)
	prometheus.MustRegister(DatagramsBackwarded)
	prometheus.MustRegister(RoutingDropped)
	prometheus.MustRegister(ViaEntries)
	prometheus.MustRegister(ClusterPeers)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(HandshakesCompleted)
	prometheus.MustRegister(HandshakesFailed)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an HTTP handler and records its duration under the
// given path label.
func Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := NewTimer()
		next.ServeHTTP(w, r)
		timer.ObserveDurationVec(HTTPRequestDuration, path)
	})
}
