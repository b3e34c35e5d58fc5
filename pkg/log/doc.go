/*
Package log provides structured logging for all Covey components.

It wraps github.com/rs/zerolog behind a small API: one global logger,
initialized once at process start, plus helpers that derive child loggers
carrying the fields Covey cares about (component, node id, peer address,
management protocol).

# Architecture

	┌────────────────────── LOGGING ──────────────────────┐
	│                                                      │
	│  log.Init(Config) ── once, from cmd/coveyd           │
	│        │                                             │
	│        ▼                                             │
	│  global zerolog.Logger (JSON or console writer)      │
	│        │                                             │
	│        ├── WithComponent("cluster")                  │
	│        ├── WithNodeID(7)                             │
	│        ├── WithPeer("10.0.0.2:5784")                 │
	│        └── WithProtocol("mgmt-dtls")                 │
	│                                                      │
	└──────────────────────────────────────────────────────┘

Components never construct loggers from scratch; they derive children:

	logger := log.WithComponent("cluster")
	logger.Info().
		Uint32("node_id", uint32(id)).
		Str("protocol", string(proto)).
		Int("recv_buffer", recv).
		Int("send_buffer", send).
		Msg("management connector configured")

Zerolog writes allocation-free JSON in production. For interactive use the
console writer renders human-readable lines with RFC3339 timestamps.

# Log Levels

Four levels, lowest to highest: debug, info, warn, error. The level is a
global filter (zerolog.SetGlobalLevel), so child loggers created before
Init still honor the configured level.

Guidance used across the codebase:

  - debug: per-datagram events (received, forwarded, sealed). High volume;
    off in production.
  - info: lifecycle transitions (started, stopped, peer joined, session
    established) and configuration summaries.
  - warn: recoverable anomalies (datagram dropped, envelope rejected,
    handshake from unknown identity, peer protocol mismatch).
  - error: failed operations that abort work (bind failure, send failure,
    startup unwind).

# Usage

Initialize once in main, before any component starts:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then log through the global or a child:

	log.Logger.Info().Str("component", "daemon").Msg("starting")

	logger := log.WithNodeID(cfg.Node.ID)
	logger.Warn().Str("peer", addr.String()).Msg("dropping oversized datagram")

# Field Conventions

  - component: subsystem name ("cluster", "connector", "dtls", "discovery",
    "daemon")
  - node_id: local node identity (uint32)
  - peer: remote address as host:port
  - protocol: management protocol tag ("mgmt-udp", "mgmt-dtls")
  - session: session id rendered as hex, never raw bytes

Secret material (PSK keys, derived keys, record plaintext) is never logged
at any level. Identities are loggable; keys are not.

# Integration Points

  - cmd/coveyd calls Init from the run command using pkg/config values
  - every pkg/* component derives children via WithComponent
  - tests that assert on log output pass a bytes.Buffer as Config.Output

# Performance Characteristics

Zerolog formats lazily: a filtered-out Debug() call costs a level check and
no allocation, so per-datagram debug logging is safe to leave in the hot
path. JSON output goes straight to the configured writer without
intermediate buffering.

# See Also

  - pkg/config for the log section of the daemon configuration
  - cmd/coveyd for initialization order
*/
package log
