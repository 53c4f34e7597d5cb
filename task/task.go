// Package task defines the opaque, serializable unit of deferred work
// consumed by the worker supervisors and produced by queue adapters.
package task

import "time"

// Task is a dequeued unit of work. The supervisor core never inspects Data
// beyond measuring its length and forwarding it; only the child-side task
// runner deserializes and executes it.
type Task struct {
	// ID is assigned by the queue on enqueue and used for logging and
	// release bookkeeping.
	ID int64
	// Data is the opaque serialized form of the callable reference plus
	// its arguments.
	Data []byte
	// Timeout is the task's own execution deadline. Zero means "absent";
	// the queue's default timeout applies.
	Timeout time.Duration
	// Retry is decremented by the queue on requeue; owned by the queue,
	// never interpreted by the supervisor.
	Retry int
}

// EffectiveTimeout returns t.Timeout if set, otherwise def.
func (t *Task) EffectiveTimeout(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return def
}
