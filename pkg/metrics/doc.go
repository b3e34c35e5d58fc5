/*
Package metrics provides Prometheus metrics collection and exposition for Covey.

The metrics package defines and registers all Covey metrics using the
Prometheus client library, providing observability into cluster routing,
secure transport health, and management channel throughput. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐          │
	│  │          Prometheus Registry             │          │
	│  │  - Global DefaultRegistry                │          │
	│  │  - MustRegister at package init          │          │
	│  │  - Automatic Go runtime metrics          │          │
	│  └──────────────────┬───────────────────────┘          │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐          │
	│  │              Event Sinks                 │          │
	│  │                                          │          │
	│  │  ClusterHealth: channel + routing counts │          │
	│  │  TransportStats: per-transport sessions, │          │
	│  │    handshakes, record drops              │          │
	│  └──────────────────┬───────────────────────┘          │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐          │
	│  │              Collector                   │          │
	│  │  - Samples gauges every 15s              │          │
	│  │  - Peer table size, via entries,         │          │
	│  │    live client sessions                  │          │
	│  └──────────────────┬───────────────────────┘          │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐          │
	│  │          HTTP Metrics Endpoint            │          │
	│  │  - Path: /metrics                         │          │
	│  │  - Format: Prometheus text exposition     │          │
	│  │  - Handler: promhttp.Handler()            │          │
	│  └──────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Management channel:

covey_management_messages_sent_total:
  - Type: Counter
  - Description: Management messages the channel transport accepted

covey_management_messages_received_total:
  - Type: Counter
  - Description: Datagrams handed to the management channel, including
    handshake-only traffic that surfaces no payload

Routing:

covey_datagrams_forwarded_total:
  - Type: Counter
  - Description: Client datagrams forwarded to their owning peer

covey_datagrams_backwarded_total:
  - Type: Counter
  - Description: Replies routed back through the forwarding peer

covey_routing_dropped_total{reason}:
  - Type: Counter
  - Description: Datagrams the routing layer discarded
  - Labels: reason (bad_envelope, forward_send, backward_send, ...)

covey_via_entries:
  - Type: Gauge
  - Description: Remembered client return paths

covey_cluster_peers:
  - Type: Gauge
  - Description: Peers in the node table

Secure transport:

covey_sessions_active{transport}:
  - Type: Gauge
  - Description: Live sessions by transport (client, management)

covey_handshakes_completed_total{transport}:
  - Type: Counter
  - Description: Completed handshakes by transport

covey_handshakes_failed_total{transport, reason}:
  - Type: Counter
  - Description: Failed handshakes by transport and reason

covey_records_dropped_total{transport, reason}:
  - Type: Counter
  - Description: Records discarded before delivery

HTTP:

covey_http_request_duration_seconds{path}:
  - Type: Histogram
  - Description: Diagnostic endpoint request duration

# Usage

Wiring the sinks:

	import "github.com/coveynet/covey/pkg/metrics"

	conn, err := cluster.New(hostCfg, cluster.Config{
		Health:         metrics.ClusterHealth{},
		TransportStats: metrics.NewTransportStats(metrics.TransportManagement),
	})

Exposing the endpoint:

	http.Handle("/metrics", metrics.Instrument("/metrics", metrics.Handler()))
	http.ListenAndServe(":9100", nil)

Periodic gauges:

	collector := metrics.NewCollector(conn, nodes)
	collector.Start()
	defer collector.Stop()

Timing an operation:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.HTTPRequestDuration, "/healthz")

# Integration Points

This package integrates with:

  - pkg/cluster: ClusterHealth counts channel and routing events
  - pkg/dtls: TransportStats counts handshake and session events
  - cmd/coveyd: serves /metrics, /healthz, /readyz, /livez
  - Prometheus: scrapes the /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - No runtime registration needed

Label Discipline:
  - reason and transport labels are bounded enumerations
  - Peer addresses and session IDs never become labels; they go to logs

Health Checking:
  - Components register at startup and update on state changes
  - Readiness gates on the cluster connector only
*/
package metrics
