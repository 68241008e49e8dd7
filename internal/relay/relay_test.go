package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/memstore"
	"github.com/openjobspec/captcha-relay/internal/scheduler"
	"github.com/openjobspec/captcha-relay/internal/worker"
)

// stubSolver answers 42 on submit, is not ready on the first poll of each
// captcha and then returns ANSWER.
type stubSolver struct {
	mu    sync.Mutex
	polls map[string]int
	block chan struct{}
}

func (s *stubSolver) Submit(ctx context.Context, _ *core.Job) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "42", nil
}

func (s *stubSolver) Poll(_ context.Context, externalID string) (core.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls == nil {
		s.polls = make(map[string]int)
	}
	s.polls[externalID]++
	if s.polls[externalID] == 1 {
		return core.PollResult{Status: core.PollNotReady}, nil
	}
	return core.PollResult{Status: core.PollSolved, Solution: "ANSWER"}, nil
}

func testRelayConfig() Config {
	return Config{
		Dispatcher:   scheduler.DispatcherConfig{PollInterval: 5 * time.Millisecond, BatchSize: 10, GCEvery: 100},
		Worker:       worker.Config{MaxAttempts: 3, MaxFaults: 3, PollRetryInterval: time.Millisecond},
		QueueSize:    10,
		Workers:      2,
		Retention:    time.Hour,
		DrainTimeout: time.Second,
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	store := memstore.New()
	r, err := New(store, &stubSolver{}, nil, testRelayConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc := NewService(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	job, err := svc.Enqueue(ctx, EnqueueRequest{PageURL: "https://example.com/login", SiteKey: "SITEKEY"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	status, err := svc.Wait(waitCtx, job.ID, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if status.State != core.StateSolved {
		t.Fatalf("state = %q, want solved", status.State)
	}
	if status.ExternalID != "42" || *status.Solution != "ANSWER" || status.Error != nil || status.FinishedAt == nil {
		t.Errorf("status = %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRelay_ShutdownAbandonsAfterDrainTimeout(t *testing.T) {
	store := memstore.New()
	solver := &stubSolver{block: make(chan struct{})}
	cfg := testRelayConfig()
	cfg.Workers = 1
	cfg.DrainTimeout = 20 * time.Millisecond
	r, err := New(store, solver, nil, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc := NewService(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	job, _ := svc.Enqueue(ctx, EnqueueRequest{PageURL: "https://example.com", SiteKey: "k"})
	deadline := time.After(2 * time.Second)
	for {
		if got, _ := store.Get(context.Background(), job.ID); got != nil && got.Claimed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was never claimed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not honour the drain timeout")
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.State() != core.StateClaimed {
		t.Errorf("state = %q, want claimed", got.State())
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := testRelayConfig()
	cfg.GCSchedule = "not a schedule"
	if _, err := New(memstore.New(), &stubSolver{}, nil, cfg); err == nil {
		t.Fatal("expected error for bad gc schedule")
	}
}
