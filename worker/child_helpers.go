package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/delayed/task"
)

// safeSuccessChild and safeErrorChild are the child-process counterparts of
// base.safeSuccess/safeError: the child has no base (no supervisor status,
// no signal plumbing) but must apply the same recover-log-swallow discipline
// around user callbacks.

func (c *Config) safeSuccessChild(t *task.Task) {
	if c.SuccessHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error().Interface("panic", r).Int64("task_id", t.ID).Msg("success handler panicked")
		}
	}()
	c.SuccessHandler(*t)
}

func (c *Config) safeErrorChild(t *task.Task, sig *int, err error) {
	if c.ErrorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error().Interface("panic", r).Int64("task_id", t.ID).Msg("error handler panicked")
		}
	}()
	c.ErrorHandler(*t, sig, err)
}

// safeReleaseChild calls queue.Release from inside the child, logging and
// swallowing any error. Always called before the result byte is written.
func safeReleaseChild(cfg Config, t *task.Task) {
	if err := cfg.Queue.Release(context.Background(), t); err != nil {
		cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("release task failed")
	}
}

// writeFrameByte writes a single result byte to fd, retrying on EAGAIN via
// the same 100ms poll cadence writeFrame uses. A parent that has already
// exited typically surfaces as EPIPE here (Go masks SIGPIPE on non-std
// descriptors into a plain write error) — the caller treats any write
// failure as "nothing more to do" and exits.
func writeFrameByte(fd int, b byte) error {
	deadline := time.Now().Add(2 * time.Second)
	remaining := []byte{b}
	for len(remaining) > 0 {
		n, err := unix.Write(fd, remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EAGAIN):
			if perr := pollFd(fd, unix.POLLOUT, deadline); perr != nil {
				return perr
			}
		default:
			return fmt.Errorf("worker: write result byte: %w", err)
		}
	}
	return nil
}
