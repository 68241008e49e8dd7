package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openjobspec/captcha-relay/internal/metrics"
)

// Pool runs a fixed number of workers draining a Queue.
type Pool struct {
	queue     *Queue
	processor *Processor
	size      int
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewPool creates a pool of size workers.
func NewPool(queue *Queue, processor *Processor, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		size:      size,
		logger:    slog.Default().With("component", "pool"),
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.size)
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", id)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue.Items():
			p.handle(ctx, item)
		}
	}
}

// handle processes one item. The queue is always released, even if the
// processor panics.
func (p *Pool) handle(ctx context.Context, item *Item) {
	metrics.BusyWorkers.Inc()
	defer p.queue.Done()
	defer metrics.BusyWorkers.Dec()
	p.processor.Handle(ctx, item)
}
