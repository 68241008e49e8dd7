package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/metrics"
)

// Sweeper deletes jobs older than the retention TTL, whatever their state.
// At most one sweep runs at a time per Sweeper; an overlapping call is
// skipped.
type Sweeper struct {
	store  core.JobStore
	ttl    time.Duration
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSweeper creates a sweeper with the given retention.
func NewSweeper(store core.JobStore, ttl time.Duration) *Sweeper {
	return &Sweeper{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "sweeper"),
	}
}

// Sweep removes expired jobs and returns how many were deleted. It returns
// 0, nil without touching the store when another sweep is in progress.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		s.logger.Info("sweep already running, skipping")
		return 0, nil
	}
	defer s.mu.Unlock()

	ids, err := s.store.FindExpired(ctx, s.ttl)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("find expired: %w", err)
	}
	if len(ids) == 0 {
		metrics.SweepRuns.WithLabelValues("ok").Inc()
		return 0, nil
	}

	deleted, err := s.store.DeleteMany(ctx, ids)
	metrics.SweepDeleted.Add(float64(deleted))
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return deleted, fmt.Errorf("delete expired: %w", err)
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	s.logger.Info("expired jobs deleted", "count", deleted, "ttl", s.ttl)
	return deleted, nil
}
