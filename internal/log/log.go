// Package log provides the process-wide structured logger used across the
// repository orchestrator, storage backends, and garbage collector. It
// mirrors the zerolog wrapper conventions of the wider codebase this module
// grew out of: a package-level Logger, an Init that picks JSON or console
// output, and With* helpers that attach the fields operations care about
// most (tenant, repo, operation name) instead of ad-hoc key strings.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Callers that need a request-scoped
// logger should derive one with WithTenant/WithRepo/WithOp rather than
// mutating this value.
var Logger zerolog.Logger

// Level is the subset of zerolog levels the core distinguishes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the global logger. Safe to call more than once, e.g.
// from test setup that wants quieter output.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithTenant returns a child logger tagged with the tenant id.
func WithTenant(tenantID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Logger()
}

// WithRepo returns a child logger tagged with the repository's current
// branch, for use inside orchestrator operations.
func WithRepo(tenantID, branch string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Str("branch", branch).Logger()
}

// WithOp returns a child logger tagged with the operation name (commit,
// merge, gc, ...), useful for correlating a single call's log lines.
func WithOp(op string) zerolog.Logger {
	return Logger.With().Str("op", op).Logger()
}
