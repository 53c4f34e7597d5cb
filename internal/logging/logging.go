// Package logging builds the process-wide structured logger: a colorized
// console writer when stdout is a real, sized terminal, raw JSON otherwise.
// This is the Go realization of delayed/logger.py's
// "%(asctime)s %(process)d %(module)s %(message)s" formatter, generalized
// into structured fields rather than a fixed string template.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// levelEnv is the environment variable overriding the default Info level,
// in the same spirit as psi.go's PSI_STOP_TIMEOUT env-var convention.
const levelEnv = "DELAYED_LOG_LEVEL"

// New builds a logger carrying a component field plus this process's pid —
// the Go shape of delayed/logger.py's %(process)d %(module)s fields.
func New(component string) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv(levelEnv); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	return zerolog.New(writer()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Int("pid", os.Getpid()).
		Logger()
}

// writer picks a colorized zerolog.ConsoleWriter when stdout is a real
// terminal with a reportable width, and raw JSON otherwise. Some terminals
// (dumb terminals, certain CI runners) answer isatty true but fail
// term.GetSize; treating that as "not interactive enough to color" avoids
// emitting ANSI escapes into logs that will end up in a file anyway.
func writer() io.Writer {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) {
		return os.Stdout
	}
	if _, _, err := term.GetSize(int(fd)); err != nil {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(os.Stdout),
		TimeFormat: "15:04:05",
	}
}
