package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/delayed/task"
)

func TestMemQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewMemQueue(time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &task.Task{Data: []byte("a")}))
	require.NoError(t, q.Enqueue(ctx, &task.Task{Data: []byte("b")}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first.Data)
	assert.Equal(t, 1, q.InFlightLen())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), second.Data)

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestMemQueueReleaseIsIdempotent(t *testing.T) {
	q := NewMemQueue(time.Second)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &task.Task{}))
	tk, _ := q.Dequeue(ctx)

	require.NoError(t, q.Release(ctx, tk))
	require.NoError(t, q.Release(ctx, tk))

	released, requeued := q.Counts()
	assert.Equal(t, 2, released)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, q.InFlightLen())
}

func TestMemQueueRequeueDecrementsRetry(t *testing.T) {
	q := NewMemQueue(time.Second)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &task.Task{Retry: 3}))
	tk, _ := q.Dequeue(ctx)

	require.NoError(t, q.Requeue(ctx, tk))
	assert.Equal(t, 2, tk.Retry)
	assert.Equal(t, 1, q.Len())

	_, requeued := q.Counts()
	assert.Equal(t, 1, requeued)
}
