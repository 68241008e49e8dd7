package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/metrics"
	"github.com/openjobspec/captcha-relay/internal/worker"
)

// DispatcherConfig controls the claim loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// GCEvery runs the sweeper every GCEvery cycles. 0 disables it.
	GCEvery int
}

// Dispatcher polls the store for unclaimed jobs, claims them and hands them
// to the worker queue.
type Dispatcher struct {
	store   core.JobStore
	queue   *worker.Queue
	sweeper *Sweeper
	cfg     DispatcherConfig
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. sweeper may be nil.
func NewDispatcher(store core.JobStore, queue *worker.Queue, sweeper *Sweeper, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Dispatcher{
		store:   store,
		queue:   queue,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  slog.Default().With("component", "dispatcher"),
	}
}

// Run loops until ctx is cancelled. Store errors are logged and backed off,
// never returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval, "batch_size", d.cfg.BatchSize, "gc_every", d.cfg.GCEvery)
	defer d.logger.Info("dispatcher stopped")

	if d.gcEnabled() {
		d.sweep(ctx)
	}

	for cycle := 1; ; cycle++ {
		wait := d.cycle(ctx)

		if d.gcEnabled() && cycle%d.cfg.GCEvery == 0 {
			d.sweep(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if wait <= 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// cycle runs one dispatch and returns how long to wait before the next.
func (d *Dispatcher) cycle(ctx context.Context) time.Duration {
	n, err := d.RunOnce(ctx)
	switch {
	case err == nil && n > 0:
		return 0
	case err == nil:
		return d.cfg.PollInterval
	case ctx.Err() != nil:
		return 0
	case errors.Is(err, core.ErrStoreUnavailable):
		metrics.DispatchErrors.WithLabelValues("unavailable").Inc()
		d.logger.Warn("job store unavailable, backing off", "error", err, "backoff", 2*d.cfg.PollInterval)
		return 2 * d.cfg.PollInterval
	default:
		metrics.DispatchErrors.WithLabelValues("other").Inc()
		d.logger.Error("dispatch failed", "error", err)
		return d.cfg.PollInterval
	}
}

// RunOnce claims up to BatchSize unclaimed jobs and puts them on the queue,
// blocking while the queue is full. It returns how many jobs were queued.
// Jobs claimed before a store failure are still queued.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := d.store.FindUnclaimed(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	claimed, claimErr := d.store.ClaimAtomic(ctx, ids)
	metrics.JobsClaimed.Add(float64(len(claimed)))

	won := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		won[id] = true
	}

	queued := 0
	for _, job := range jobs {
		if !won[job.ID] {
			continue
		}
		job.Claimed = true
		if err := d.queue.Put(ctx, &worker.Item{Job: job}); err != nil {
			d.logger.Warn("claimed job not queued", "job_id", job.ID, "error", err)
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		d.logger.Debug("jobs dispatched", "count", queued)
	}
	return queued, claimErr
}

func (d *Dispatcher) gcEnabled() bool {
	return d.sweeper != nil && d.cfg.GCEvery > 0
}

func (d *Dispatcher) sweep(ctx context.Context) {
	if _, err := d.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("sweep failed", "error", err)
	}
}
