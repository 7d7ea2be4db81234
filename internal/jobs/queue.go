// Package jobs is the Redis-backed target queue used in distributed mode.
// Pending jobs live in a sorted set, in-flight jobs in a hash keyed by job
// ID, and job bodies under their own keys with a TTL.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const (
	queuePending    = "cassandra:queue:pending"
	queueProcessing = "cassandra:queue:processing"
	queueFailed     = "cassandra:queue:failed"
	jobPrefix       = "cassandra:job:"
	workerPrefix    = "cassandra:worker:"

	jobTTL    = 24 * time.Hour
	workerTTL = time.Hour
)

// ErrJobNotFound is returned for unknown or expired job IDs.
var ErrJobNotFound = errors.New("job not found")

type redisQueue struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (core.JobQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return NewQueueFromClient(client), nil
}

// NewQueueFromClient wraps an existing client.
func NewQueueFromClient(client *redis.Client) core.JobQueue {
	return &redisQueue{client: client, now: time.Now}
}

// Push stores the job and queues it. Jobs without a priority are ordered by
// enqueue time; lower scores pop first.
func (q *redisQueue) Push(ctx context.Context, job *types.Job) error {
	if job.Target == "" {
		return fmt.Errorf("job has no target")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = q.now()
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	score := float64(job.Priority)
	if job.Priority == 0 {
		score = float64(job.CreatedAt.UnixNano())
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+job.ID, data, jobTTL)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Pop claims the next pending job for workerID. It returns nil, nil when
// the queue is empty.
func (q *redisQueue) Pop(ctx context.Context, workerID string) (*types.Job, error) {
	members, err := q.client.ZPopMin(ctx, queuePending, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobID, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", members[0].Member)
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		// The body expired; the ID is already off the queue.
		return nil, err
	}

	job.Status = types.JobStatusProcessing
	job.UpdatedAt = q.now()
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HSet(ctx, queueProcessing, jobID, workerID)
	pipe.Set(ctx, workerPrefix+workerID+":current", jobID, workerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.client.ZAdd(ctx, queuePending, redis.Z{Score: members[0].Score, Member: jobID})
		return nil, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *redisQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, types.JobStatusCompleted, "")
}

func (q *redisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, types.JobStatusFailed, reason)
}

func (q *redisQueue) finish(ctx context.Context, jobID string, status types.JobStatus, reason string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = status
	job.UpdatedAt = q.now()
	if reason != "" {
		if job.Payload == nil {
			job.Payload = make(map[string]string)
		}
		job.Payload["error"] = reason
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if status == types.JobStatusFailed {
		pipe.ZAdd(ctx, queueFailed, redis.Z{Score: float64(job.UpdatedAt.Unix()), Member: jobID})
	}
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", jobID, status, err)
	}
	return nil
}

// Retry moves a failed job back to the front of the pending queue.
func (q *redisQueue) Retry(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = types.JobStatusPending
	job.Retries++
	job.UpdatedAt = q.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.ZRem(ctx, queueFailed, jobID)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: float64(job.Priority - job.Retries*10), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return nil
}

func (q *redisQueue) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return q.load(ctx, jobID)
}

// GetPending lists pending jobs in pop order, skipping expired bodies.
func (q *redisQueue) GetPending(ctx context.Context) ([]*types.Job, error) {
	ids, err := q.client.ZRange(ctx, queuePending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func (q *redisQueue) load(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.Get(ctx, jobPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}
