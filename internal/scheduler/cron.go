package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// CronTrigger runs a Sweeper on a cron schedule, in addition to the
// dispatcher's cycle-based sweeps.
type CronTrigger struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	schedule string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewCronTrigger parses schedule, a standard 5-field expression or a
// descriptor such as "@every 15m".
func NewCronTrigger(schedule string, sweeper *Sweeper) (*CronTrigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	t := &CronTrigger{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		logger:   slog.Default().With("component", "gc-cron"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if _, err := c.AddFunc(schedule, t.fire); err != nil {
		cancel()
		return nil, fmt.Errorf("parse gc schedule %q: %w", schedule, err)
	}
	return t, nil
}

// Start begins firing on the schedule.
func (t *CronTrigger) Start() {
	t.cron.Start()
	t.logger.Info("gc cron started", "schedule", t.schedule)
}

// Stop halts the schedule and waits for a running sweep to finish. It is
// safe to call more than once.
func (t *CronTrigger) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.cron.Stop().Done()
		t.logger.Info("gc cron stopped")
	})
}

func (t *CronTrigger) fire() {
	if _, err := t.sweeper.Sweep(t.ctx); err != nil && t.ctx.Err() == nil {
		t.logger.Error("scheduled sweep failed", "error", err)
	}
}
