package metrics

// Transport label values used by the sinks in this package.
const (
	TransportClient     = "client"
	TransportManagement = "management"
)

// ClusterHealth feeds management channel and routing counters into
// Prometheus. It satisfies both the channel counter interface and the
// routing stats interface of pkg/cluster.
type ClusterHealth struct{}

// ManagementMessageSent counts a management message the transport
// accepted for sending.
func (ClusterHealth) ManagementMessageSent() {
	ManagementMessagesSent.Inc()
}

// ManagementMessageReceived counts a datagram handed to the management
// channel, whether or not a payload surfaced.
func (ClusterHealth) ManagementMessageReceived() {
	ManagementMessagesReceived.Inc()
}

// DatagramForwarded counts a client datagram sent to its owning peer.
func (ClusterHealth) DatagramForwarded() {
	DatagramsForwarded.Inc()
}

// DatagramBackwarded counts a reply routed back through a forwarding
// peer.
func (ClusterHealth) DatagramBackwarded() {
	DatagramsBackwarded.Inc()
}

// RoutingDropped counts a datagram the routing layer discarded.
func (ClusterHealth) RoutingDropped(reason string) {
	RoutingDropped.WithLabelValues(reason).Inc()
}

// TransportStats feeds secure transport events into Prometheus, labeled
// with the transport it observes. It satisfies the stats interface of
// pkg/dtls.
type TransportStats struct {
	transport string
}

// NewTransportStats returns a sink labeling its observations with the
// given transport name, typically TransportClient or TransportManagement.
func NewTransportStats(transport string) *TransportStats {
	return &TransportStats{transport: transport}
}

// HandshakeCompleted counts a session that finished its handshake.
func (s *TransportStats) HandshakeCompleted() {
	HandshakesCompleted.WithLabelValues(s.transport).Inc()
}

// HandshakeFailed counts a handshake rejected or abandoned.
func (s *TransportStats) HandshakeFailed(reason string) {
	HandshakesFailed.WithLabelValues(s.transport, reason).Inc()
}

// RecordDropped counts a record discarded before delivery.
func (s *TransportStats) RecordDropped(reason string) {
	RecordsDropped.WithLabelValues(s.transport, reason).Inc()
}

// SessionsActive tracks the live session count.
func (s *TransportStats) SessionsActive(n int) {
	SessionsActive.WithLabelValues(s.transport).Set(float64(n))
}
