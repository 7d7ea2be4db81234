// Package worker runs queued target jobs in distributed mode.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// Processor handles one job end to end.
type Processor interface {
	ProcessJob(ctx context.Context, job *types.Job) error
}

type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MaxRetries   int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

type Worker struct {
	id        string
	hostname  string
	queue     core.JobQueue
	processor Processor
	opts      Options
	logger    *logger.Logger

	statusMu sync.RWMutex
	status   types.WorkerStatus
}

func NewWorker(queue core.JobQueue, processor Processor, opts Options, log *logger.Logger) *Worker {
	id := uuid.New().String()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Worker{
		id:        id,
		hostname:  hostname,
		queue:     queue,
		processor: processor,
		opts:      opts.withDefaults(),
		logger:    log.WithComponent("worker").WithFields("worker_id", id),
		status:    types.WorkerStatus{Status: "idle"},
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Status() *types.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	status := w.status
	status.ID = w.id
	status.Hostname = w.hostname
	status.LastPing = time.Now()
	return &status
}

// Run polls the queue until ctx is cancelled. A job in flight when ctx ends
// sees the cancellation through its own context.
func (w *Worker) Run(ctx context.Context) error {
	w.updateStatus("active", "")
	defer w.updateStatus("stopped", "")
	w.logger.Infow("Worker started", "hostname", w.hostname)

	for {
		if ctx.Err() != nil {
			w.logger.Infow("Worker shutting down", "jobs_completed", w.Status().JobsComplete)
			return nil
		}

		processed, err := w.next(ctx)
		switch {
		case err != nil:
			w.logger.LogError(ctx, err, "worker.next")
			sleep(ctx, w.opts.ErrorBackoff)
		case !processed:
			sleep(ctx, w.opts.PollInterval)
		}
	}
}

// next claims and processes one job. It reports false when the queue was
// empty.
func (w *Worker) next(ctx context.Context) (processed bool, err error) {
	job, err := w.queue.Pop(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("failed to pop job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.updateStatus("processing", job.ID)
	defer w.updateStatus("active", "")

	log := w.logger.WithTarget(job.Target).WithFields("job_id", job.ID)
	start := time.Now()
	jobCtx, span := log.StartOperation(ctx, "worker.job", "retries", job.Retries)

	procErr := w.process(jobCtx, job)
	log.FinishOperation(jobCtx, span, "worker.job", start, procErr)

	// Bookkeeping must land even if shutdown began mid-job.
	bookCtx := context.WithoutCancel(ctx)
	if procErr == nil {
		w.statusMu.Lock()
		w.status.JobsComplete++
		w.statusMu.Unlock()
		if err := w.queue.Complete(bookCtx, job.ID); err != nil {
			return true, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
		}
		return true, nil
	}

	if err := w.queue.Fail(bookCtx, job.ID, procErr.Error()); err != nil {
		return true, fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	if job.Retries < w.opts.MaxRetries && ctx.Err() == nil {
		log.Infow("Requeueing failed job", "retry", job.Retries+1, "max_retries", w.opts.MaxRetries)
		if err := w.queue.Retry(bookCtx, job.ID); err != nil {
			return true, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.LogPanic(ctx, r, "worker.process", "job_id", job.ID)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.processor.ProcessJob(ctx, job)
}

func (w *Worker) updateStatus(status, jobID string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Status = status
	w.status.CurrentJob = jobID
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
