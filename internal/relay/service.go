package relay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/metrics"
)

// EnqueueRequest is a request to solve one reCAPTCHA.
type EnqueueRequest struct {
	PageURL   string `json:"pageurl" validate:"required,http_url"`
	SiteKey   string `json:"googlekey" validate:"required"`
	Method    string `json:"method,omitempty"`
	Proxy     string `json:"proxy,omitempty"`
	ProxyType string `json:"proxytype,omitempty" validate:"omitempty,oneof=HTTP HTTPS SOCKS4 SOCKS5"`
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	ID           string         `json:"id"`
	State        core.State     `json:"state"`
	Solution     *string        `json:"solution,omitempty"`
	Error        *core.JobError `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ExternalID   string         `json:"external_id,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	DeadLettered bool           `json:"dead_lettered,omitempty"`
}

// NewJobStatus builds the status view of job.
func NewJobStatus(job *core.Job) *JobStatus {
	return &JobStatus{
		ID:           job.ID,
		State:        job.State(),
		Solution:     job.Solution,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   job.FinishedAt,
		ExternalID:   job.ExternalID,
		Attempts:     job.Attempts,
		DeadLettered: job.DeadLettered,
	}
}

// JobSubscriber delivers the terminal event of a job.
type JobSubscriber interface {
	SubscribeJob(jobID string) (<-chan *core.JobEvent, func(), error)
}

// Service is the submitter-facing side of the relay: it creates jobs and
// reports their state.
type Service struct {
	store    core.JobStore
	validate *validator.Validate
}

// NewService creates a service over store.
func NewService(store core.JobStore) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Service{store: store, validate: v}
}

// Enqueue validates req and stores it as a pending job.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*core.Job, error) {
	req.ProxyType = strings.ToUpper(strings.TrimSpace(req.ProxyType))
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &core.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	payload := core.Payload{
		PageURL:   req.PageURL,
		SiteKey:   req.SiteKey,
		Method:    req.Method,
		Proxy:     req.Proxy,
		ProxyType: core.ProxyType(req.ProxyType),
	}.Normalize()

	job, err := s.store.Create(ctx, &core.Job{Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsEnqueued.Inc()
	return job, nil
}

// Status returns the current view of a job. Ids that are not UUIDs are
// reported as not found without a store round trip.
func (s *Service) Status(ctx context.Context, id string) (*JobStatus, error) {
	if !core.IsValidUUID(id) {
		return nil, core.ErrNotFound
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewJobStatus(job), nil
}

// Wait blocks until the job is terminal or ctx ends. It re-reads the job
// every interval and, when subs is non-nil, also as soon as the job's
// terminal event arrives.
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration, subs JobSubscriber) (*JobStatus, error) {
	var events <-chan *core.JobEvent
	if subs != nil {
		ch, unsubscribe, err := subs.SubscribeJob(id)
		if err == nil {
			events = ch
			defer unsubscribe()
		}
	}

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}

// DeadLettered returns the jobs terminated by the dead-letter path.
func (s *Service) DeadLettered(ctx context.Context) ([]*JobStatus, error) {
	jobs, err := s.store.ListDeadLettered(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*JobStatus, len(jobs))
	for i, job := range jobs {
		out[i] = NewJobStatus(job)
	}
	return out, nil
}
