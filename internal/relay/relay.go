// Package relay wires the dispatcher, worker pool and garbage collector
// around one job store.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/scheduler"
	"github.com/openjobspec/captcha-relay/internal/worker"
)

// Config holds the settings of every relay component.
type Config struct {
	Dispatcher scheduler.DispatcherConfig
	Worker     worker.Config
	QueueSize  int
	Workers    int
	Retention  time.Duration
	// GCSchedule is an optional cron schedule for extra sweeps.
	GCSchedule   string
	DrainTimeout time.Duration
}

// Relay is one running relay process.
type Relay struct {
	queue      *worker.Queue
	pool       *worker.Pool
	dispatcher *scheduler.Dispatcher
	sweeper    *scheduler.Sweeper
	cron       *scheduler.CronTrigger
	cfg        Config
	logger     *slog.Logger
}

// New builds a relay. events may be nil.
func New(store core.JobStore, solver core.Solver, events core.EventPublisher, cfg Config) (*Relay, error) {
	queue := worker.NewQueue(cfg.QueueSize)
	processor := worker.NewProcessor(store, solver, events, queue, cfg.Worker)
	sweeper := scheduler.NewSweeper(store, cfg.Retention)

	r := &Relay{
		queue:      queue,
		pool:       worker.NewPool(queue, processor, cfg.Workers),
		dispatcher: scheduler.NewDispatcher(store, queue, sweeper, cfg.Dispatcher),
		sweeper:    sweeper,
		cfg:        cfg,
		logger:     slog.Default().With("component", "relay"),
	}
	if cfg.GCSchedule != "" {
		trigger, err := scheduler.NewCronTrigger(cfg.GCSchedule, sweeper)
		if err != nil {
			return nil, err
		}
		r.cron = trigger
	}
	return r, nil
}

// Sweeper returns the relay's garbage collector.
func (r *Relay) Sweeper() *scheduler.Sweeper {
	return r.sweeper
}

// Queue returns the relay's worker queue.
func (r *Relay) Queue() *worker.Queue {
	return r.queue
}

// Run starts the workers and runs the dispatcher until ctx is cancelled.
// It then waits up to DrainTimeout for queued jobs to finish before
// stopping the workers. Backend calls still running at that point are
// abandoned and their jobs stay claimed until garbage collected.
func (r *Relay) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	r.pool.Start(workerCtx)
	if r.cron != nil {
		r.cron.Start()
		defer r.cron.Stop()
	}

	r.dispatcher.Run(ctx)

	r.logger.Info("draining worker queue", "outstanding", r.queue.Outstanding(), "timeout", r.cfg.DrainTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	if err := r.queue.Join(drainCtx); err != nil {
		r.logger.Warn("drain timed out, abandoning jobs", "outstanding", r.queue.Outstanding())
	}

	r.queue.Close()
	stopWorkers()
	r.pool.Wait()
	r.logger.Info("relay stopped")
	return nil
}
