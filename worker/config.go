package worker

import (
	"time"

	"github.com/rs/zerolog"

	"pkt.systems/delayed/queue"
	"pkt.systems/delayed/task"
)

// SuccessHandler is invoked after a task completes without error. It
// receives the task that ran, giving callers access to its Data/Retry
// without a second lookup.
type SuccessHandler func(t task.Task)

// ErrorHandler is invoked on task failure. signal is nil for an
// in-process failure (err carries the child's reported message, the Go
// analogue of exc_info); otherwise it points at the terminating signal
// number.
type ErrorHandler func(t task.Task, signal *int, err error)

// Config is shared by both supervisor variants.
type Config struct {
	// Queue is the task source; required.
	Queue queue.Queue
	// KillTimeout is the grace period between SIGTERM and SIGKILL once a
	// task's deadline passes. Defaults to 5 seconds, matching
	// original_source/delayed/worker.py's Worker.__init__ default.
	KillTimeout time.Duration
	// SuccessHandler and ErrorHandler are best-effort callbacks; panics
	// inside them are recovered, logged, and otherwise ignored.
	SuccessHandler SuccessHandler
	ErrorHandler   ErrorHandler
	// Logger receives structured lifecycle and error logs. Defaults to
	// zerolog.Nop() if unset.
	Logger zerolog.Logger
}

func (c *Config) killTimeout() time.Duration {
	if c.KillTimeout > 0 {
		return c.KillTimeout
	}
	return 5 * time.Second
}
