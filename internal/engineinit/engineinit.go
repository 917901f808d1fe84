// Package engineinit performs process-wide setup that must run before any
// engine component logs or reads environment configuration. It replaces
// the teacher's earlyinit package, which existed solely to work around a
// bubbletea/lipgloss terminal-query race — with the TUI gone, the thing
// worth doing this early is wiring up structured logging once, globally.
package engineinit

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevelEnv names the environment variable engineinit reads to pick the
// global log level ("debug", "info", "warn", "error"); defaults to info.
const LogLevelEnv = "COCODE_LOG_LEVEL"

// Init configures zerolog's global logger: human-readable console output
// when stderr is a TTY, structured JSON otherwise, at the level named by
// COCODE_LOG_LEVEL (default info). Safe to call multiple times; the last
// call wins.
func Init() {
	level := zerolog.InfoLevel
	if raw := os.Getenv(LogLevelEnv); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stderr
	if isTerminal(writer) {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
