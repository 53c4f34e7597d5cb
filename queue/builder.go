package queue

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/delayed/task"
)

// Delay enqueues a call to the function registered under name with the
// given argument bytes, using the queue's default timeout.
//
// Modeled directly on original_source/delayed/delay.py's `delay`
// decorator: the original wraps a plain function so that `func.delay(...)`
// enqueues a task for it; Go has no decorator syntax, so Delay takes the
// registered name explicitly instead of a function value.
func Delay(ctx context.Context, q Queue, name string, args []byte) error {
	return DelayWithTimeout(ctx, q, name, args, 0)
}

// DelayWithTimeout is Delay with an explicit per-task timeout, modeled on
// original_source/delayed/delay.py's `delay_with_params` decorator
// (`timeout` parameter).
func DelayWithTimeout(ctx context.Context, q Queue, name string, args []byte, timeout time.Duration) error {
	t, err := task.Create(0, name, args, timeout)
	if err != nil {
		return fmt.Errorf("queue: build task for %q: %w", name, err)
	}
	if err := q.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("queue: enqueue %q: %w", name, err)
	}
	return nil
}
