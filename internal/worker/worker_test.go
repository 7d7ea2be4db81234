package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueue is a minimal in-process JobQueue.
type memQueue struct {
	mu        sync.Mutex
	pending   []*types.Job
	jobs      map[string]*types.Job
	completed []string
	failed    []string
	popErr    error
}

func newMemQueue(targets ...string) *memQueue {
	q := &memQueue{jobs: make(map[string]*types.Job)}
	for i, t := range targets {
		job := &types.Job{ID: string(rune('a' + i)), Target: t, Status: types.JobStatusPending}
		q.jobs[job.ID] = job
		q.pending = append(q.pending, job)
	}
	return q
}

func (q *memQueue) Push(_ context.Context, job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job)
	return nil
}

func (q *memQueue) Pop(_ context.Context, _ string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popErr != nil {
		err := q.popErr
		q.popErr = nil
		return nil, err
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = types.JobStatusProcessing
	cp := *job
	return &cp, nil
}

func (q *memQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = types.JobStatusCompleted
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) Fail(_ context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = types.JobStatusFailed
	q.failed = append(q.failed, id)
	return nil
}

func (q *memQueue) Retry(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.jobs[id]
	job.Retries++
	job.Status = types.JobStatusPending
	q.pending = append(q.pending, job)
	return nil
}

func (q *memQueue) GetStatus(_ context.Context, id string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *q.jobs[id]
	return &cp, nil
}

func (q *memQueue) GetPending(context.Context) ([]*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*types.Job(nil), q.pending...), nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) done() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

type processorFunc func(ctx context.Context, job *types.Job) error

func (f processorFunc) ProcessJob(ctx context.Context, job *types.Job) error { return f(ctx, job) }

func fastOptions() Options {
	return Options{PollInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond, MaxRetries: 2}
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := newMemQueue("https://a.example.com", "https://b.example.com")
	var mu sync.Mutex
	var seen []string
	p := processorFunc(func(_ context.Context, job *types.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.Target)
		return nil
	})

	w := NewWorker(q, p, fastOptions(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.done() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, seen)
	status := w.Status()
	assert.Equal(t, 2, status.JobsComplete)
	assert.Equal(t, "stopped", status.Status)
	assert.Equal(t, w.ID(), status.ID)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newMemQueue("https://flaky.example.com")
	var calls int
	var mu sync.Mutex
	p := processorFunc(func(context.Context, *types.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("fingerprint timeout")
	})

	w := NewWorker(q, p, fastOptions(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.failed) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls, "first attempt plus two retries")
	mu.Unlock()
	job, _ := q.GetStatus(context.Background(), "a")
	assert.Equal(t, types.JobStatusFailed, job.Status)
}

func TestWorkerRecoversPanics(t *testing.T) {
	q := newMemQueue("https://boom.example.com")
	p := processorFunc(func(context.Context, *types.Job) error { panic("kaboom") })

	opts := fastOptions()
	opts.MaxRetries = 0
	w := NewWorker(q, p, opts, logger.NewNop())

	processed, err := w.next(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"a"}, q.failed)
}

func TestWorkerPopError(t *testing.T) {
	q := newMemQueue()
	q.popErr = errors.New("redis down")
	w := NewWorker(q, processorFunc(func(context.Context, *types.Job) error { return nil }), fastOptions(), logger.NewNop())

	processed, err := w.next(context.Background())
	assert.Error(t, err)
	assert.False(t, processed)

	processed, err = w.next(context.Background())
	assert.NoError(t, err)
	assert.False(t, processed, "empty queue")
}

func TestPoolRun(t *testing.T) {
	q := newMemQueue("https://a.example.com", "https://b.example.com", "https://c.example.com", "https://d.example.com")
	p := processorFunc(func(context.Context, *types.Job) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	pool := NewPool(q, p, fastOptions(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx, 3) }()

	require.Eventually(t, func() bool { return len(pool.Status()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return q.done() == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Empty(t, pool.Status())

	assert.Error(t, NewPool(q, p, fastOptions(), logger.NewNop()).Run(context.Background(), 0))
}
