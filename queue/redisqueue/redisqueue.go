// Package redisqueue is a Redis-backed implementation of queue.Queue, a
// concrete adapter grounded in original_source/tests/common.py, where the
// original system uses redis.Redis() directly.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pkt.systems/delayed/task"
)

const (
	pendingKeySuffix     = ":pending"
	processingKeySuffix  = ":processing"
	processingDataSuffix = ":processing-data"
	notiKeySuffix        = ":noti"
)

// Queue is a Redis-backed queue.Queue. Pending tasks live in a list
// (pendingKeySuffix); a dequeued-but-unreleased task is tracked in a
// per-queue sorted set (processingKeySuffix) scored by its visibility
// deadline, so an external Sweep call can requeue work abandoned by a
// supervisor that died before releasing it — the concrete realization of
// the queue's visibility-timeout semantics.
type Queue struct {
	client         *redis.Client
	name           string
	pendingKey     string
	processingKey  string
	processingData string
	notiKey        string
	defaultTimeout time.Duration
	pollInterval   time.Duration
	consumerToken  string
}

// Options configures a Queue.
type Options struct {
	Client         *redis.Client
	Name           string
	DefaultTimeout time.Duration
	// PollInterval bounds how long Dequeue's BLPOP blocks before
	// returning an empty result, matching the original's notify/poll
	// hybrid (original_source/tests/common.py constructs its Queue with
	// a 0.01s poll interval).
	PollInterval time.Duration
}

// New returns a Queue backed by the given Redis client.
func New(opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Queue{
		client:         opts.Client,
		name:           opts.Name,
		pendingKey:     opts.Name + pendingKeySuffix,
		processingKey:  opts.Name + processingKeySuffix,
		processingData: opts.Name + processingDataSuffix,
		notiKey:        opts.Name + notiKeySuffix,
		defaultTimeout: opts.DefaultTimeout,
		pollInterval:   opts.PollInterval,
		consumerToken:  uuid.NewString(),
	}
}

func (q *Queue) DefaultTimeout() time.Duration { return q.defaultTimeout }

type wireTask struct {
	ID      int64
	Data    []byte
	Timeout time.Duration
	Retry   int
}

func encode(t *task.Task) ([]byte, error) {
	return json.Marshal(wireTask{ID: t.ID, Data: t.Data, Timeout: t.Timeout, Retry: t.Retry})
}

func decode(b []byte) (*task.Task, error) {
	var w wireTask
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("redisqueue: decode: %w", err)
	}
	return &task.Task{ID: w.ID, Data: w.Data, Timeout: w.Timeout, Retry: w.Retry}, nil
}

// Enqueue assigns an ID (if unset) and pushes the task onto the pending
// list, then publishes on the notification channel (the Go analogue of the
// original's _NOTI_KEY_SUFFIX key). Nothing in this package subscribes to
// that channel: consumers blocked in Dequeue's BLPOP wake on the push
// itself.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if t.ID == 0 {
		id, err := q.client.Incr(ctx, q.name+":seq").Result()
		if err != nil {
			return fmt.Errorf("redisqueue: allocate id: %w", err)
		}
		t.ID = id
	}
	payload, err := encode(t)
	if err != nil {
		return fmt.Errorf("redisqueue: encode task %d: %w", t.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.pendingKey, payload)
	pipe.Publish(ctx, q.notiKey, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: enqueue task %d: %w", t.ID, err)
	}
	return nil
}

// Dequeue blocks for up to PollInterval waiting for a pending task, pops
// it, and records it in the processing set with a score equal to its
// visibility deadline (now + effective timeout, with a minute of grace for
// supervisor-level retransmission slack).
//
// A connection-level error (Redis restarting, a network blip) is retried a
// few times with backoff.ExponentialBackOff before being surfaced to the
// caller; redis.Nil (no pending task within PollInterval) is not an error
// and is never retried here — the supervisor's own dequeue loop provides
// the outer polling cadence for that.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	res, err := q.blpopWithRetry(ctx)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisqueue: dequeue: %w", err)
	}
	// res[0] is the key name, res[1] the payload.
	t, err := decode([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.EffectiveTimeout(q.defaultTimeout) + time.Minute)
	member := q.processingMember(t)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.processingKey, redis.Z{Score: float64(deadline.UnixNano()), Member: member})
	pipe.HSet(ctx, q.processingData, member, res[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisqueue: track in-flight task %d: %w", t.ID, err)
	}
	return t, nil
}

// blpopWithRetry issues the blocking pop, retrying transient (non-redis.Nil)
// errors with a short exponential backoff. redis.Nil is returned as-is on
// the first attempt so an empty queue doesn't pay any retry cost.
func (q *Queue) blpopWithRetry(ctx context.Context) ([]string, error) {
	var res []string
	isNil := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	err := backoff.Retry(func() error {
		r, err := q.client.BLPop(ctx, q.pollInterval, q.pendingKey).Result()
		if err == redis.Nil {
			isNil = true
			return nil
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	if isNil {
		return nil, redis.Nil
	}
	return res, nil
}

func (q *Queue) processingMember(t *task.Task) string {
	return fmt.Sprintf("%d:%s", t.ID, q.consumerToken)
}

// Release removes a task from the processing set. ZREM on a missing
// member is a no-op in Redis, so this tolerates being called twice for
// the same task.
func (q *Queue) Release(ctx context.Context, t *task.Task) error {
	member := q.processingMember(t)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey, member)
	pipe.HDel(ctx, q.processingData, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: release task %d: %w", t.ID, err)
	}
	return nil
}

// Requeue removes a task from the processing set and pushes it back onto
// the pending list, decrementing Retry.
func (q *Queue) Requeue(ctx context.Context, t *task.Task) error {
	if t.Retry > 0 {
		t.Retry--
	}
	payload, err := encode(t)
	if err != nil {
		return fmt.Errorf("redisqueue: encode requeued task %d: %w", t.ID, err)
	}
	member := q.processingMember(t)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey, member)
	pipe.HDel(ctx, q.processingData, member)
	pipe.RPush(ctx, q.pendingKey, payload)
	pipe.Publish(ctx, q.notiKey, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: requeue task %d: %w", t.ID, err)
	}
	return nil
}

// Sweep requeues any processing-set member whose visibility deadline has
// passed, restoring its original payload from the processing-data hash.
// It is not part of the supervisor core but realizes the queue's assumed
// visibility-timeout behavior: an operator runs Sweep out-of-band (e.g.
// from a cron-like companion process) to recover tasks left in flight by
// a supervisor that died without releasing them.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano())
	members, err := q.client.ZRangeByScore(ctx, q.processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: sweep: %w", err)
	}
	swept := 0
	for _, m := range members {
		payload, err := q.client.HGet(ctx, q.processingData, m).Result()
		if err != nil && err != redis.Nil {
			return swept, fmt.Errorf("redisqueue: sweep lookup %q: %w", m, err)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.processingKey, m)
		pipe.HDel(ctx, q.processingData, m)
		if err == nil {
			pipe.RPush(ctx, q.pendingKey, payload)
			pipe.Publish(ctx, q.notiKey, "1")
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return swept, fmt.Errorf("redisqueue: sweep requeue %q: %w", m, err)
		}
		swept++
	}
	return swept, nil
}
