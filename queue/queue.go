// Package queue defines the external collaborator contract the worker
// supervisors dequeue from, plus a couple of concrete adapters.
//
// The persistent task queue is deliberately out of the supervisor core's
// scope — this package only fixes the narrow contract the core calls, and
// supplements it with an in-memory adapter for tests and a Redis-backed
// adapter for real deployments.
package queue

import (
	"context"
	"time"

	"pkt.systems/delayed/task"
)

// Queue is the narrow contract the supervisor core calls to obtain tasks,
// requeue them on abnormal outcomes, and release them on completion.
//
// Requeue and Release must be idempotent: the monitor and, in the
// persistent-child variant, the child process itself may both call
// Release for the same task id on some code paths.
type Queue interface {
	// Dequeue blocks up to the queue's own polling cadence and returns
	// the next pending task, or nil if none is available.
	Dequeue(ctx context.Context) (*task.Task, error)
	// Enqueue appends a task to the pending set. Not called by the
	// supervisor core; used by the decorator/ergonomics layer (Delay,
	// DelayWithTimeout) and by queue producers generally.
	Enqueue(ctx context.Context, t *task.Task) error
	// Requeue returns a task to the pending set for another attempt.
	Requeue(ctx context.Context, t *task.Task) error
	// Release removes a task from the in-flight set. Must tolerate being
	// called twice for the same task id.
	Release(ctx context.Context, t *task.Task) error
	// DefaultTimeout is applied to tasks whose own Timeout is absent.
	DefaultTimeout() time.Duration
}
