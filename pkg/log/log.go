package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coveynet/covey/pkg/types"
)

// Logger is the process-wide logger. Components log through it directly
// or derive tagged children with the With helpers. Before Init it
// discards everything, which keeps package tests quiet.
var Logger zerolog.Logger

// Level selects the minimum severity that gets written.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerologLevel maps a Level onto zerolog's scale. Unknown values fall
// back to info.
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stderr, keeping stdout clean for tooling.
	Output io.Writer
}

// Init configures the global logger. Call it once at process start,
// before any component logs.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with a subsystem name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID derives a child logger tagged with the local node identity.
func WithNodeID(id types.NodeID) zerolog.Logger {
	return Logger.With().Uint32("node_id", uint32(id)).Logger()
}

// WithPeer derives a child logger tagged with a remote host:port.
func WithPeer(addr string) zerolog.Logger {
	return Logger.With().Str("peer", addr).Logger()
}

// WithProtocol derives a child logger tagged with the management
// protocol in use.
func WithProtocol(p types.Protocol) zerolog.Logger {
	return Logger.With().Str("protocol", string(p)).Logger()
}
