package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/metrics"
)

// Config controls the per-job solve protocol.
type Config struct {
	// MaxAttempts bounds submit attempts per job.
	MaxAttempts int
	// MaxFaults is the number of in-process faults after which a job is
	// dead-lettered instead of re-queued.
	MaxFaults         int
	InitialPollDelay  time.Duration
	PollRetryInterval time.Duration
	// MaxPollDuration bounds polling within one attempt. 0 means no bound.
	MaxPollDuration time.Duration
	// RetryDelay is the base pause between attempts and before a re-queue.
	RetryDelay time.Duration
}

// storeError marks a failed store write, which is a fault rather than a
// backend failure.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return "store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Processor runs the submit/poll protocol for one job at a time and records
// the outcome in the store.
type Processor struct {
	store  core.JobStore
	solver core.Solver
	events core.EventPublisher
	queue  *Queue
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewProcessor creates a processor. events may be nil.
func NewProcessor(store core.JobStore, solver core.Solver, events core.EventPublisher, queue *Queue, cfg Config) *Processor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxFaults < 1 {
		cfg.MaxFaults = 1
	}
	return &Processor{
		store:  store,
		solver: solver,
		events: events,
		queue:  queue,
		cfg:    cfg,
		logger: slog.Default().With("component", "worker"),
		tracer: otel.Tracer("captcha-relay/worker"),
		now:    time.Now,
	}
}

// Handle processes item and deals with the outcome: faults are re-queued or
// dead-lettered, jobs concluded elsewhere are dropped.
func (p *Processor) Handle(ctx context.Context, item *Item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling job", "job_id", item.Job.ID, "panic", r)
		}
	}()

	start := p.now()
	err := p.Process(ctx, item)
	if err == nil {
		metrics.SolveDuration.Observe(p.now().Sub(start).Seconds())
		return
	}

	log := p.logger.With("job_id", item.Job.ID, "error", err)
	switch {
	case ctx.Err() != nil:
		log.Warn("job interrupted by shutdown")
		return
	case errors.Is(err, core.ErrJobFinished), errors.Is(err, core.ErrNotFound):
		log.Info("job concluded elsewhere, dropping")
		return
	}

	item.Faults++
	metrics.Faults.Inc()
	if item.Faults >= p.cfg.MaxFaults {
		p.deadLetter(ctx, item, err)
		return
	}

	delay := core.RetryDelay(core.CodeInternalFault, p.cfg.RetryDelay)
	log.Warn("job fault, re-queueing", "faults", item.Faults, "delay", delay)
	p.queue.Requeue(item, delay)
}

// Process solves one job and writes its terminal state. A non-nil error
// means the job was not concluded by this call.
func (p *Processor) Process(ctx context.Context, item *Item) (err error) {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", item.Job.ID),
		attribute.Int("job.faults", item.Faults),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	update, err := p.solve(ctx, item)
	if err != nil {
		return err
	}

	if err := p.store.UpdateFields(ctx, item.Job.ID, update); err != nil {
		return &storeError{err: err}
	}

	event := &core.JobEvent{JobID: item.Job.ID, Solution: update.Solution, Error: update.Error, FinishedAt: *update.FinishedAt}
	if update.Solution != nil {
		event.State = core.StateSolved
		metrics.JobsFinished.WithLabelValues(string(core.StateSolved), "").Inc()
		p.logger.Info("job solved", "job_id", item.Job.ID)
	} else {
		event.State = core.StateErrored
		metrics.JobsFinished.WithLabelValues(string(core.StateErrored), update.Error.Code).Inc()
		p.logger.Warn("job errored", "job_id", item.Job.ID, "code", update.Error.Code)
	}
	span.SetAttributes(attribute.String("job.state", string(event.State)))
	p.publish(event)
	return nil
}

// solve runs up to MaxAttempts attempts and returns the terminal update,
// which records how many submits were made.
func (p *Processor) solve(ctx context.Context, item *Item) (core.JobUpdate, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		solution, err := p.attempt(ctx, item, attempt)
		if err == nil {
			update := core.Solved(solution, p.now())
			update.Attempts = attempt
			return update, nil
		}

		var se *storeError
		if errors.As(err, &se) {
			return core.JobUpdate{}, err
		}
		if ctx.Err() != nil {
			return core.JobUpdate{}, ctx.Err()
		}

		lastErr = err
		class := core.Classify(err)
		metrics.SolveAttempts.WithLabelValues(class.String()).Inc()
		log := p.logger.With("job_id", item.Job.ID, "attempt", attempt, "class", class.String(), "error", err)
		if class == core.ClassCritical {
			log.Warn("critical backend error, giving up")
			break
		}
		if class == core.ClassUnclassified {
			log.Warn("unclassified backend error, retrying")
		} else {
			log.Info("transient backend error, retrying")
		}

		if attempt < p.cfg.MaxAttempts {
			if err := sleep(ctx, core.RetryDelay(core.ErrorCode(err), p.cfg.RetryDelay)); err != nil {
				return core.JobUpdate{}, err
			}
		}
	}

	update := core.Errored(jobError(lastErr), p.now())
	update.Attempts = attempts
	return update, nil
}

// attempt submits the job once and polls for its result.
func (p *Processor) attempt(ctx context.Context, item *Item, attempt int) (string, error) {
	job := item.Job

	submitCtx, span := p.tracer.Start(ctx, "worker.submit", trace.WithAttributes(attribute.Int("attempt", attempt)))
	externalID, err := p.solver.Submit(submitCtx, job)
	span.End()
	if err != nil {
		return "", err
	}

	update := core.JobUpdate{Attempts: attempt}
	if job.ExternalID == "" {
		update.ExternalID = externalID
	} else if job.ExternalID != externalID {
		p.logger.Info("resubmitted under a new external id", "job_id", job.ID, "external_id", externalID, "first_external_id", job.ExternalID)
	}
	switch err := p.store.UpdateFields(ctx, job.ID, update); {
	case err == nil:
		if update.ExternalID != "" {
			job.ExternalID = externalID
		}
	case errors.Is(err, core.ErrExternalIDSet):
		p.logger.Info("external id already recorded", "job_id", job.ID, "external_id", externalID)
	default:
		return "", &storeError{err: err}
	}

	return p.poll(ctx, externalID)
}

// poll waits InitialPollDelay and then polls until the backend reports a
// result or MaxPollDuration elapses.
func (p *Processor) poll(ctx context.Context, externalID string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "worker.poll", trace.WithAttributes(attribute.String("external_id", externalID)))
	defer span.End()

	if err := sleep(ctx, p.cfg.InitialPollDelay); err != nil {
		return "", err
	}

	deadline := p.now().Add(p.cfg.MaxPollDuration)
	for polls := 1; ; polls++ {
		res, err := p.solver.Poll(ctx, externalID)
		if err != nil {
			return "", err
		}
		switch res.Status {
		case core.PollSolved:
			span.SetAttributes(attribute.Int("polls", polls))
			return res.Solution, nil
		case core.PollFailed:
			if res.Err == nil {
				return "", &core.BackendError{Code: core.CodeGenericError}
			}
			return "", res.Err
		}

		if p.cfg.MaxPollDuration > 0 && !p.now().Before(deadline) {
			return "", &core.BackendError{Code: core.CodePollTimeout, Message: fmt.Sprintf("not ready after %s", p.cfg.MaxPollDuration)}
		}
		if err := sleep(ctx, p.cfg.PollRetryInterval); err != nil {
			return "", err
		}
	}
}

// deadLetter writes the job as terminally failed after repeated faults.
func (p *Processor) deadLetter(ctx context.Context, item *Item, cause error) {
	update := core.Errored(&core.JobError{Code: core.CodeInternalFault, Message: cause.Error()}, p.now())
	update.DeadLettered = true

	log := p.logger.With("job_id", item.Job.ID, "faults", item.Faults, "cause", cause)
	if err := p.store.UpdateFields(ctx, item.Job.ID, update); err != nil {
		metrics.DeadLettered.WithLabelValues("dropped").Inc()
		log.Error("dead-letter write failed, dropping job", "error", err)
		return
	}
	metrics.DeadLettered.WithLabelValues("stored").Inc()
	metrics.JobsFinished.WithLabelValues(string(core.StateErrored), core.CodeInternalFault).Inc()
	log.Error("job dead-lettered")
	p.publish(&core.JobEvent{JobID: item.Job.ID, State: core.StateErrored, Error: update.Error, FinishedAt: *update.FinishedAt})
}

func (p *Processor) publish(event *core.JobEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJobEvent(event); err != nil {
		p.logger.Warn("failed to publish job event", "job_id", event.JobID, "error", err)
	}
}

func jobError(err error) *core.JobError {
	var be *core.BackendError
	if errors.As(err, &be) {
		return &core.JobError{Code: be.Code, Message: be.Message}
	}
	return &core.JobError{Code: core.CodeTransport, Message: err.Error()}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
