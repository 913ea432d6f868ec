// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a durable, priority-free, single-flight-per-task job queue over
// Redis lists. Jobs move waiting -> processing(<worker>) -> completed, or
// straight back to waiting on a retryable failure, or to dead on exhaustion.
type Queue struct {
	rdb       *redis.Client
	keyPrefix string
}

func New(rdb *redis.Client, keyPrefix string) *Queue {
	return &Queue{rdb: rdb, keyPrefix: keyPrefix}
}

func (q *Queue) WaitingKey() string    { return q.keyPrefix + ":waiting" }
func (q *Queue) CompletedKey() string  { return q.keyPrefix + ":completed" }
func (q *Queue) DeadLetterKey() string { return q.keyPrefix + ":dead" }
func (q *Queue) ProcessingKey(workerID string) string {
	return fmt.Sprintf("%s:processing:%s", q.keyPrefix, workerID)
}
func (q *Queue) HeartbeatKey(workerID string) string {
	return fmt.Sprintf("%s:heartbeat:%s", q.keyPrefix, workerID)
}
func (q *Queue) inflightKey(taskID string) string {
	return fmt.Sprintf("%s:inflight:%s", q.keyPrefix, taskID)
}

// Enqueue pushes a job for taskID onto the waiting list, unless a job for
// that task is already in flight (single-flight-per-task). Returns false
// if the task already has an outstanding job.
func (q *Queue) Enqueue(ctx context.Context, job Job, lease time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, q.inflightKey(job.TaskID), job.ID, lease*2).Result()
	if err != nil {
		return false, fmt.Errorf("mark inflight: %w", err)
	}
	if !ok {
		return false, nil
	}
	payload, err := job.Marshal()
	if err != nil {
		return false, err
	}
	if err := q.rdb.LPush(ctx, q.WaitingKey(), payload).Err(); err != nil {
		return false, fmt.Errorf("lpush waiting: %w", err)
	}
	return true, nil
}

// Reserve blocks (up to timeout) for the next job, moving it atomically
// into the worker's processing list, and refreshes its heartbeat key.
func (q *Queue) Reserve(ctx context.Context, workerID string, timeout time.Duration, heartbeatTTL time.Duration) (Job, string, error) {
	procList := q.ProcessingKey(workerID)
	payload, err := q.rdb.BRPopLPush(ctx, q.WaitingKey(), procList, timeout).Result()
	if err == redis.Nil {
		return Job{}, "", nil
	}
	if err != nil {
		return Job{}, "", err
	}
	job, err := UnmarshalJob(payload)
	if err != nil {
		_ = q.rdb.LRem(ctx, procList, 1, payload).Err()
		return Job{}, "", fmt.Errorf("invalid job payload: %w", err)
	}
	_ = q.rdb.Set(ctx, q.HeartbeatKey(workerID), payload, heartbeatTTL).Err()
	return job, payload, nil
}

// Ack completes a job: removes it from processing, clears the heartbeat and
// inflight marker, and records it on the completed list.
func (q *Queue) Ack(ctx context.Context, workerID string, job Job, payload string) error {
	procList := q.ProcessingKey(workerID)
	if err := q.rdb.LPush(ctx, q.CompletedKey(), payload).Err(); err != nil {
		return fmt.Errorf("lpush completed: %w", err)
	}
	_ = q.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = q.rdb.Del(ctx, q.HeartbeatKey(workerID)).Err()
	_ = q.rdb.Del(ctx, q.inflightKey(job.TaskID)).Err()
	return nil
}

// Nack reports a failed attempt. If attempts remain, the job is pushed back
// onto the waiting list at once (it is not delayed) and the inflight marker
// is kept, with its expiry set to the backoff for the new attempt count.
// Otherwise the job is dead-lettered and the inflight marker is released.
func (q *Queue) Nack(ctx context.Context, workerID string, job Job, payload string, maxAttempts int, baseDelay, maxDelay time.Duration) (requeued bool, err error) {
	procList := q.ProcessingKey(workerID)
	job.Attempts++

	if job.Attempts >= maxAttempts {
		if err := q.rdb.LPush(ctx, q.DeadLetterKey(), payload).Err(); err != nil {
			return false, fmt.Errorf("lpush dead: %w", err)
		}
		_ = q.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = q.rdb.Del(ctx, q.HeartbeatKey(workerID)).Err()
		_ = q.rdb.Del(ctx, q.inflightKey(job.TaskID)).Err()
		return false, nil
	}

	next, err := job.Marshal()
	if err != nil {
		return false, err
	}
	if err := q.rdb.LPush(ctx, q.WaitingKey(), next).Err(); err != nil {
		return false, fmt.Errorf("lpush retry: %w", err)
	}
	_ = q.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = q.rdb.Del(ctx, q.HeartbeatKey(workerID)).Err()
	_ = q.rdb.Expire(ctx, q.inflightKey(job.TaskID), Backoff(job.Attempts, baseDelay, maxDelay)).Err()
	return true, nil
}

// Depth returns the current length of a named queue state ("waiting",
// "completed", "dead", or a worker's processing list).
func (q *Queue) Depth(ctx context.Context, key string) (int64, error) {
	return q.rdb.LLen(ctx, key).Result()
}

// Backoff computes exponential backoff capped at max, based on attempt count.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 0 {
		return base
	}
	d := time.Duration(1<<uint(attempts-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
