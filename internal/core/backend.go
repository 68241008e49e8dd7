package core

import (
	"context"
	"time"
)

// JobStore is the persistent hand-off point between submitters and workers.
// Implementations wrap availability failures with ErrStoreUnavailable.
type JobStore interface {
	// Create assigns an id and creation time and stores job as pending.
	Create(ctx context.Context, job *Job) (*Job, error)

	// Get returns the job with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// FindUnclaimed returns up to limit jobs that have not been claimed,
	// oldest first.
	FindUnclaimed(ctx context.Context, limit int) ([]*Job, error)

	// ClaimAtomic marks the given jobs claimed. The claimed=false predicate
	// is evaluated per job at write time, so a job is claimed by at most one
	// caller. It returns the ids this call claimed.
	ClaimAtomic(ctx context.Context, ids []string) ([]string, error)

	// UpdateFields applies a partial update, enforcing JobUpdate.Apply.
	UpdateFields(ctx context.Context, id string, update JobUpdate) error

	// FindExpired returns the ids of jobs created at least maxAge ago.
	FindExpired(ctx context.Context, maxAge time.Duration) ([]string, error)

	// DeleteMany removes the given jobs and returns how many existed.
	DeleteMany(ctx context.Context, ids []string) (int, error)

	// ListDeadLettered returns jobs terminated through the dead-letter path.
	ListDeadLettered(ctx context.Context) ([]*Job, error)
}

// PollStatus is the three-way outcome of a backend poll.
type PollStatus int

const (
	PollNotReady PollStatus = iota
	PollSolved
	PollFailed
)

// PollResult is what Solver.Poll reports for a dispatched captcha.
type PollResult struct {
	Status   PollStatus
	Solution string
	Err      *BackendError
}

// Solver is the remote solving backend with a submit/poll interface.
type Solver interface {
	// Submit uploads the job and returns the backend-assigned id.
	Submit(ctx context.Context, job *Job) (string, error)

	// Poll checks a previously submitted captcha. A returned error is a
	// transport failure; backend rejections come back as PollFailed.
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// EventPublisher broadcasts terminal job events.
type EventPublisher interface {
	PublishJobEvent(event *JobEvent) error
}
