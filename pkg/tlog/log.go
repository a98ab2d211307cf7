// Package tlog provides structured logging for tpgflow using zerolog. It
// wraps the library the way cuemby-warren/pkg/log does: a global logger,
// component-scoped children, and small helpers for the handful of levels
// the engine actually uses.
package tlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level mirrors the "verbose"-style knob in Config.
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

// Init initializes the global logger. Safe to call once at startup; the
// engine never mutates logging config after init (spec §9, "global
// singletons").
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
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

func init() {
	// Usable even if a binary never calls Init (e.g. library tests).
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with a component name, e.g.
// "construct", "worker", "kvstore".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTxn returns a child logger tagged with a transaction request id.
func WithTxn(txnReqID uint64) zerolog.Logger {
	return Logger.With().Uint64("txn_req_id", txnReqID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

// Fatalf logs an invariant violation and exits the process (spec §7:
// "Invariant violation... fatal — process exits").
func Fatalf(format string, args ...any) {
	Logger.Fatal().Msgf(format, args...)
}
