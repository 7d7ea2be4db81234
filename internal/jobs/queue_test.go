package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

func startRedis(t *testing.T) core.JobQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Redis testcontainer unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	q, err := NewRedisQueue(ctx, config.RedisConfig{Addr: addr, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestNewRedisQueueUnreachable(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), config.RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	assert.Error(t, err)
}

func TestPushRequiresTarget(t *testing.T) {
	q := NewQueueFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	defer q.Close()
	assert.Error(t, q.Push(context.Background(), &types.Job{}))
}

func TestRedisQueueLifecycle(t *testing.T) {
	q := startRedis(t)
	ctx := context.Background()

	first := &types.Job{Target: "https://a.example.com", Mode: types.ModeFull}
	second := &types.Job{Target: "https://b.example.com", Mode: types.ModeRecon}
	require.NoError(t, q.Push(ctx, first))
	require.NoError(t, q.Push(ctx, second))
	assert.NotEmpty(t, first.ID)

	pending, err := q.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "FIFO when no priority is set")

	job, err := q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "https://a.example.com", job.Target)
	assert.Equal(t, types.JobStatusProcessing, job.Status)

	require.NoError(t, q.Complete(ctx, job.ID))
	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, status.Status)

	job, err = q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job.ID, "fingerprint timeout"))

	status, err = q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, status.Status)
	assert.Equal(t, "fingerprint timeout", status.Payload["error"])

	job, err = q.Pop(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job, "queue drained")

	require.NoError(t, q.Retry(ctx, second.ID))
	job, err = q.Pop(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second.ID, job.ID)
	assert.Equal(t, 1, job.Retries)
}

func TestRedisQueueUnknownJob(t *testing.T) {
	q := startRedis(t)
	_, err := q.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, q.Complete(context.Background(), "missing"), ErrJobNotFound)
}
