package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pkt.systems/delayed/task"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(Options{
		Client:         client,
		Name:           "test-queue",
		DefaultTimeout: time.Second,
		PollInterval:   20 * time.Millisecond,
	})
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &task.Task{Data: []byte("payload"), Retry: 2}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []byte("payload"), got.Data)
	require.NotZero(t, got.ID)

	require.NoError(t, q.Release(ctx, got))
	require.NoError(t, q.Release(ctx, got)) // tolerate double release
}

func TestRedisQueueDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisQueueRequeueDecrementsRetryAndReturnsToPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &task.Task{Data: []byte("x"), Retry: 2}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, got))
	require.Equal(t, 1, got.Retry)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 1, again.Retry)
}

func TestRedisQueueSweepRecoversAbandonedTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &task.Task{Data: []byte("abandoned")}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	member := q.processingMember(got)
	require.NoError(t, q.client.ZAdd(ctx, q.processingKey, redis.Z{Score: 1, Member: member}).Err())

	swept, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	recovered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, []byte("abandoned"), recovered.Data)
}
