package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/memstore"
)

// mockSolver implements core.Solver for testing.
type mockSolver struct {
	mu         sync.Mutex
	submits    int
	polls      int
	submitFunc func(call int, job *core.Job) (string, error)
	pollFunc   func(call int, externalID string) (core.PollResult, error)
}

func (m *mockSolver) Submit(_ context.Context, job *core.Job) (string, error) {
	m.mu.Lock()
	m.submits++
	call := m.submits
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(call, job)
	}
	return "42", nil
}

func (m *mockSolver) Poll(_ context.Context, externalID string) (core.PollResult, error) {
	m.mu.Lock()
	m.polls++
	call := m.polls
	m.mu.Unlock()
	if m.pollFunc != nil {
		return m.pollFunc(call, externalID)
	}
	return core.PollResult{Status: core.PollSolved, Solution: "ANSWER"}, nil
}

// mockStore wraps a memstore and lets tests fail UpdateFields.
type mockStore struct {
	*memstore.Store
	updateFunc func(ctx context.Context, id string, update core.JobUpdate) error
}

func (m *mockStore) UpdateFields(ctx context.Context, id string, update core.JobUpdate) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, id, update)
	}
	return m.Store.UpdateFields(ctx, id, update)
}

type panickingPublisher struct{}

func (panickingPublisher) PublishJobEvent(*core.JobEvent) error {
	panic("publish failed")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*core.JobEvent
}

func (r *recordingPublisher) PublishJobEvent(event *core.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func testConfig() Config {
	return Config{MaxAttempts: 3, MaxFaults: 2}
}

func claimedItem(t *testing.T, store core.JobStore) *Item {
	t.Helper()
	ctx := context.Background()
	job, err := store.Create(ctx, &core.Job{
		Payload: core.Payload{PageURL: "https://example.com", SiteKey: "k"}.Normalize(),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.ClaimAtomic(ctx, []string{job.ID}); err != nil {
		t.Fatalf("ClaimAtomic() error = %v", err)
	}
	job.Claimed = true
	return &Item{Job: job}
}

func getJob(t *testing.T, store core.JobStore, id string) *core.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return job
}

func TestProcess_SolvesAfterNotReady(t *testing.T) {
	store := memstore.New()
	events := &recordingPublisher{}
	solver := &mockSolver{
		pollFunc: func(call int, externalID string) (core.PollResult, error) {
			if externalID != "42" {
				t.Errorf("poll external id = %q, want 42", externalID)
			}
			if call == 1 {
				return core.PollResult{Status: core.PollNotReady}, nil
			}
			return core.PollResult{Status: core.PollSolved, Solution: "ANSWER"}, nil
		},
	}
	p := NewProcessor(store, solver, events, NewQueue(1), testConfig())
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	job := getJob(t, store, item.Job.ID)
	if job.State() != core.StateSolved {
		t.Fatalf("state = %q, want solved", job.State())
	}
	if job.ExternalID != "42" || *job.Solution != "ANSWER" || job.Error != nil {
		t.Errorf("job = external_id %q solution %v error %v", job.ExternalID, job.Solution, job.Error)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if solver.polls != 2 {
		t.Errorf("polls = %d, want 2", solver.polls)
	}
	if len(events.events) != 1 || events.events[0].State != core.StateSolved {
		t.Errorf("events = %+v, want one solved event", events.events)
	}
}

func TestProcess_RetryBound(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{
		submitFunc: func(int, *core.Job) (string, error) {
			return "", &core.BackendError{Code: core.CodeNoSlotAvailable}
		},
	}
	p := NewProcessor(store, solver, nil, NewQueue(1), testConfig())
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if solver.submits != 3 {
		t.Errorf("submits = %d, want 3", solver.submits)
	}
	job := getJob(t, store, item.Job.ID)
	if job.State() != core.StateErrored || job.Error.Code != core.CodeNoSlotAvailable {
		t.Errorf("job state = %q error = %v, want errored %s", job.State(), job.Error, core.CodeNoSlotAvailable)
	}
	if job.ExternalID != "" {
		t.Errorf("external_id = %q, want unset", job.ExternalID)
	}
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
}

func TestProcess_UnclassifiedIsRetried(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{
		submitFunc: func(call int, _ *core.Job) (string, error) {
			if call < 3 {
				return "", &core.BackendError{Code: "ERROR_SOMETHING_NEW"}
			}
			return "7", nil
		},
	}
	p := NewProcessor(store, solver, nil, NewQueue(1), testConfig())
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if job := getJob(t, store, item.Job.ID); job.State() != core.StateSolved || job.Attempts != 3 {
		t.Errorf("state = %q attempts = %d, want solved after 3", job.State(), job.Attempts)
	}
}

func TestProcess_CriticalShortCircuits(t *testing.T) {
	tests := []struct {
		name   string
		solver *mockSolver
		code   string
	}{
		{
			name: "submit rejected",
			solver: &mockSolver{submitFunc: func(int, *core.Job) (string, error) {
				return "", &core.BackendError{Code: core.CodeWrongUserKey}
			}},
			code: core.CodeWrongUserKey,
		},
		{
			name: "poll unsolvable",
			solver: &mockSolver{pollFunc: func(int, string) (core.PollResult, error) {
				return core.PollResult{Status: core.PollFailed, Err: &core.BackendError{Code: core.CodeUnsolvable}}, nil
			}},
			code: core.CodeUnsolvable,
		},
	}

	for _, tt := range tests {
		store := memstore.New()
		p := NewProcessor(store, tt.solver, nil, NewQueue(1), testConfig())
		item := claimedItem(t, store)

		if err := p.Process(context.Background(), item); err != nil {
			t.Fatalf("%s: Process() error = %v", tt.name, err)
		}
		if tt.solver.submits != 1 {
			t.Errorf("%s: submits = %d, want 1", tt.name, tt.solver.submits)
		}
		job := getJob(t, store, item.Job.ID)
		if job.Error == nil || job.Error.Code != tt.code {
			t.Errorf("%s: error = %v, want %s", tt.name, job.Error, tt.code)
		}
		if job.Solution != nil {
			t.Errorf("%s: errored job has a solution", tt.name)
		}
	}
}

func TestProcess_ExternalIDIsSetOnce(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{
		submitFunc: func(call int, _ *core.Job) (string, error) {
			if call == 1 {
				return "first", nil
			}
			return "second", nil
		},
		pollFunc: func(_ int, externalID string) (core.PollResult, error) {
			if externalID == "first" {
				return core.PollResult{Status: core.PollFailed, Err: &core.BackendError{Code: core.CodeProxyBanned}}, nil
			}
			return core.PollResult{Status: core.PollSolved, Solution: "ANSWER"}, nil
		},
	}
	p := NewProcessor(store, solver, nil, NewQueue(1), testConfig())
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	job := getJob(t, store, item.Job.ID)
	if job.ExternalID != "first" {
		t.Errorf("external_id = %q, want first", job.ExternalID)
	}
	if job.Attempts != 2 || job.State() != core.StateSolved {
		t.Errorf("attempts = %d state = %q, want 2 solved", job.Attempts, job.State())
	}
}

func TestProcess_PollTimeout(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{
		pollFunc: func(int, string) (core.PollResult, error) {
			return core.PollResult{Status: core.PollNotReady}, nil
		},
	}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.PollRetryInterval = time.Millisecond
	cfg.MaxPollDuration = 10 * time.Millisecond
	p := NewProcessor(store, solver, nil, NewQueue(1), cfg)
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	job := getJob(t, store, item.Job.ID)
	if job.Error == nil || job.Error.Code != core.CodePollTimeout {
		t.Errorf("error = %v, want %s", job.Error, core.CodePollTimeout)
	}
}

func TestProcess_TransportErrorRecorded(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{
		pollFunc: func(int, string) (core.PollResult, error) {
			return core.PollResult{}, errors.New("connection refused")
		},
	}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	p := NewProcessor(store, solver, nil, NewQueue(1), cfg)
	item := claimedItem(t, store)

	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	job := getJob(t, store, item.Job.ID)
	if job.Error == nil || job.Error.Code != core.CodeTransport {
		t.Errorf("error = %v, want %s", job.Error, core.CodeTransport)
	}
	if solver.submits != 2 {
		t.Errorf("submits = %d, want 2", solver.submits)
	}
}

func TestHandle_FaultRequeuesThenDeadLetters(t *testing.T) {
	mem := memstore.New()
	store := &mockStore{Store: mem}
	store.updateFunc = func(ctx context.Context, id string, update core.JobUpdate) error {
		if update.DeadLettered {
			return mem.UpdateFields(ctx, id, update)
		}
		return core.ErrStoreUnavailable
	}
	events := &recordingPublisher{}
	queue := NewQueue(4)
	p := NewProcessor(store, &mockSolver{}, events, queue, testConfig())
	item := claimedItem(t, mem)

	p.Handle(context.Background(), item)
	if item.Faults != 1 {
		t.Fatalf("faults = %d, want 1", item.Faults)
	}

	var requeued *Item
	select {
	case requeued = <-queue.Items():
	case <-time.After(time.Second):
		t.Fatal("item was not re-queued")
	}
	p.Handle(context.Background(), requeued)
	queue.Done()

	job := getJob(t, mem, item.Job.ID)
	if !job.DeadLettered || job.Error == nil || job.Error.Code != core.CodeInternalFault {
		t.Fatalf("job = dead_lettered %v error %v, want dead-lettered %s", job.DeadLettered, job.Error, core.CodeInternalFault)
	}
	if queue.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", queue.Outstanding())
	}
	if len(events.events) != 1 || events.events[0].State != core.StateErrored {
		t.Errorf("events = %+v, want one errored event", events.events)
	}
}

func TestHandle_DeadLetterWriteFailureDrops(t *testing.T) {
	mem := memstore.New()
	store := &mockStore{Store: mem, updateFunc: func(context.Context, string, core.JobUpdate) error {
		return core.ErrStoreUnavailable
	}}
	cfg := testConfig()
	cfg.MaxFaults = 1
	queue := NewQueue(1)
	p := NewProcessor(store, &mockSolver{}, nil, queue, cfg)
	item := claimedItem(t, mem)

	p.Handle(context.Background(), item)

	if queue.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", queue.Outstanding())
	}
	if job := getJob(t, mem, item.Job.ID); job.State().IsTerminal() {
		t.Errorf("state = %q, want non-terminal", job.State())
	}
}

func TestHandle_ConcludedElsewhereIsDropped(t *testing.T) {
	store := memstore.New()
	item := claimedItem(t, store)
	if err := store.UpdateFields(context.Background(), item.Job.ID, core.Errored(&core.JobError{Code: core.CodeUnsolvable}, time.Now())); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	queue := NewQueue(1)
	p := NewProcessor(store, &mockSolver{}, nil, queue, testConfig())

	p.Handle(context.Background(), item)

	if item.Faults != 0 || queue.Outstanding() != 0 {
		t.Errorf("faults = %d outstanding = %d, want 0 0", item.Faults, queue.Outstanding())
	}
	if job := getJob(t, store, item.Job.ID); job.Error.Code != core.CodeUnsolvable {
		t.Errorf("terminal job was overwritten: %v", job.Error)
	}
}

func TestProcess_RecoversPanic(t *testing.T) {
	store := memstore.New()
	solver := &mockSolver{submitFunc: func(int, *core.Job) (string, error) {
		panic("boom")
	}}
	p := NewProcessor(store, solver, nil, NewQueue(1), testConfig())

	if err := p.Process(context.Background(), claimedItem(t, store)); err == nil {
		t.Fatal("expected error from recovered panic")
	}
}

func TestHandle_PublisherPanicAfterDeadLetter(t *testing.T) {
	mem := memstore.New()
	var writes int
	store := &mockStore{Store: mem, updateFunc: func(ctx context.Context, id string, update core.JobUpdate) error {
		writes++
		if writes == 1 {
			return core.ErrStoreUnavailable
		}
		return mem.UpdateFields(ctx, id, update)
	}}
	cfg := testConfig()
	cfg.MaxFaults = 1
	queue := NewQueue(1)
	p := NewProcessor(store, &mockSolver{}, panickingPublisher{}, queue, cfg)
	item := claimedItem(t, mem)

	p.Handle(context.Background(), item)

	job := getJob(t, mem, item.Job.ID)
	if !job.DeadLettered || job.Error.Code != core.CodeInternalFault {
		t.Errorf("job = dead_lettered %v error %v, want dead-lettered %s", job.DeadLettered, job.Error, core.CodeInternalFault)
	}
}
