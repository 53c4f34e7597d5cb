package queue

import (
	"context"
	"sync"
	"time"

	"pkt.systems/delayed/task"
)

// MemQueue is an in-memory Queue used by tests and local demos. It is
// intentionally minimal: a mutex-guarded slice plus an in-flight set,
// mirroring the shape original_source/tests/common.py exercises against a
// real queue in the original test suite.
type MemQueue struct {
	mu         sync.Mutex
	pending    []*task.Task
	inFlight   map[int64]*task.Task
	nextID     int64
	defTimeout time.Duration

	releaseCount int
	requeueCount int
}

// NewMemQueue returns an empty MemQueue with the given default timeout.
func NewMemQueue(defaultTimeout time.Duration) *MemQueue {
	return &MemQueue{
		inFlight:   make(map[int64]*task.Task),
		defTimeout: defaultTimeout,
	}
}

func (q *MemQueue) DefaultTimeout() time.Duration { return q.defTimeout }

func (q *MemQueue) Enqueue(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.ID == 0 {
		q.nextID++
		t.ID = q.nextID
	}
	q.pending = append(q.pending, t)
	return nil
}

// Dequeue pops the oldest pending task, if any, and marks it in flight.
// Unlike a real queue it never blocks for a polling cadence — callers that
// need to simulate empty-queue backoff can simply call it in a loop.
func (q *MemQueue) Dequeue(_ context.Context) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight[t.ID] = t
	return t, nil
}

func (q *MemQueue) Release(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseCount++
	delete(q.inFlight, t.ID)
	return nil
}

func (q *MemQueue) Requeue(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueCount++
	delete(q.inFlight, t.ID)
	if t.Retry > 0 {
		t.Retry--
	}
	q.pending = append(q.pending, t)
	return nil
}

// Len returns the number of pending tasks.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlightLen returns the number of tasks dequeued but not yet
// released/requeued.
func (q *MemQueue) InFlightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Counts returns (releaseCount, requeueCount) for lifecycle-accounting
// assertions: for every successful dequeue, exactly one of release or
// requeue should eventually be called.
func (q *MemQueue) Counts() (released, requeued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.releaseCount, q.requeueCount
}
