// Package logx provides structured logging for the settlement core.
package logx

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logger instance, configured once at startup.
var Logger zerolog.Logger

// Component loggers, one per pipeline stage (C1-C8).
var (
	SPV        zerolog.Logger
	BurnClaim  zerolog.Logger
	Settlement zerolog.Logger
	Producer   zerolog.Logger
	Barrier    zerolog.Logger
	Reconcile  zerolog.Logger
)

func init() {
	Logger = New(os.Stdout, "info")
	initComponentLoggers()
}

// Init configures the package logger and re-derives the component loggers.
func Init(level string, jsonOutput bool, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	if jsonOutput {
		Logger = New(w, level)
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			Level(parseLevel(level)).
			With().
			Timestamp().
			Logger()
	}
	initComponentLoggers()
}

// New creates a JSON logger at the given level.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	SPV = Logger.With().Str("component", "spv").Logger()
	BurnClaim = Logger.With().Str("component", "burnclaim").Logger()
	Settlement = Logger.With().Str("component", "settlement").Logger()
	Producer = Logger.With().Str("component", "producer").Logger()
	Barrier = Logger.With().Str("component", "barrier").Logger()
	Reconcile = Logger.With().Str("component", "reconcile").Logger()
}

// WithComponent returns a logger tagged with an arbitrary component name,
// for subsystems that don't have a package-level logger of their own.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
