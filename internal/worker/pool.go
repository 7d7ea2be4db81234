package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

type Pool struct {
	queue     core.JobQueue
	processor Processor
	opts      Options
	logger    *logger.Logger

	mu      sync.RWMutex
	workers []*Worker
}

func NewPool(queue core.JobQueue, processor Processor, opts Options, log *logger.Logger) *Pool {
	return &Pool{
		queue:     queue,
		processor: processor,
		opts:      opts,
		logger:    log.WithComponent("worker-pool"),
	}
}

// Run starts count workers and blocks until ctx is cancelled and every
// worker has returned.
func (p *Pool) Run(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	p.mu.Lock()
	if len(p.workers) > 0 {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	for i := 0; i < count; i++ {
		p.workers = append(p.workers, NewWorker(p.queue, p.processor, p.opts, p.logger))
	}
	workers := p.workers
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.workers = nil
		p.mu.Unlock()
	}()

	p.logger.Infow("Starting worker pool", "workers", count)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	p.logger.Infow("Worker pool stopped")
	return err
}

func (p *Pool) Status() []*types.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Status())
	}
	return out
}
