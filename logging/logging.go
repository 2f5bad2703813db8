// Package logging configures the process-wide zerolog logger. The manager
// must log to stderr because stdout carries the operator JSON-RPC channel;
// the worker logs to stdout.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init builds the root logger. level is one of debug|info|warn|error
// (anything else means info). When console is true, output is human-readable
// instead of JSON.
func Init(out io.Writer, level string, console bool) zerolog.Logger {
	var lvl zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
