package worker

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/delayed/task"
)

// emptyDequeueBackoff is slept by both supervisor loops after a nil
// dequeue result, so a non-blocking Queue implementation (MemQueue) doesn't
// spin a core between tasks.
const emptyDequeueBackoff = 10 * time.Millisecond

// base holds the state and behavior shared by PerTaskSupervisor and
// PersistentSupervisor, grounded on
// original_source/delayed/worker.py's Worker base class.
type base struct {
	cfg    Config
	status atomic.Int32

	wake *waker
}

func newBase(cfg Config) base {
	return base{cfg: cfg, wake: newWaker(8)}
}

func (b *base) Status() Status { return Status(b.status.Load()) }

func (b *base) setStatus(s Status) { b.status.Store(int32(s)) }

// Stop requests a graceful stop. It only touches a single flag and is
// safe to call from the SIGHUP-triggered goroutine or from any other
// goroutine, consistent with "safe to call from a signal handler" (Go
// delivers signals to a channel from a dedicated runtime goroutine rather
// than a true signal handler, but the same "touch only a flag" discipline
// applies).
func (b *base) Stop() {
	b.setStatus(Stopping)
}

// registerSignals subscribes to SIGHUP (the cooperative stop signal) and
// SIGCHLD (a no-op subscription kept only so the supervisor exercises the
// same signal surface the original registers — see
// original_source/delayed/worker.py's _register_signals / ignore_signal).
// It returns a stop function that restores default disposition.
func (b *base) registerSignals() (stop func()) {
	b.wake.notify(syscall.SIGHUP, syscall.SIGCHLD)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-b.wake.C():
				if !ok {
					return
				}
				if sig == syscall.SIGHUP {
					b.cfg.Logger.Debug().Msg("received SIGHUP, stopping")
					b.Stop()
				}
				// SIGCHLD: no-op, exists only to keep the signal
				// registered; cmd.Wait() does the actual reaping.
			case <-done:
				return
			}
		}
	}()
	return func() {
		b.wake.stop()
		close(done)
	}
}

// safeSuccess calls the configured SuccessHandler, recovering and logging
// any panic rather than letting it escape: callbacks are best-effort,
// exceptions inside them are logged and swallowed.
func (b *base) safeSuccess(t *task.Task) {
	if b.cfg.SuccessHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error().Interface("panic", r).Int64("task_id", t.ID).Msg("success handler panicked")
		}
	}()
	b.cfg.SuccessHandler(*t)
}

// safeError calls the configured ErrorHandler, recovering and logging any
// panic.
func (b *base) safeError(t *task.Task, sig *int, err error) {
	if b.cfg.ErrorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error().Interface("panic", r).Int64("task_id", t.ID).Msg("error handler panicked")
		}
	}()
	b.cfg.ErrorHandler(*t, sig, err)
}

// safeRelease calls queue.Release, logging and swallowing any error.
func (b *base) safeRelease(ctx context.Context, t *task.Task) {
	if err := b.cfg.Queue.Release(ctx, t); err != nil {
		b.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("release task failed")
	}
}

// safeRequeue calls queue.Requeue, logging and swallowing any error.
func (b *base) safeRequeue(ctx context.Context, t *task.Task) {
	if err := b.cfg.Queue.Requeue(ctx, t); err != nil {
		b.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("requeue task failed")
	}
}

// validate exists so a missing Config.Queue surfaces as a clear error
// from the constructor instead of a nil pointer dereference deep inside
// Run.
func (c *Config) validate() error {
	if c.Queue == nil {
		return errNoQueue
	}
	return nil
}
