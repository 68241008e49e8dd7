package core

import (
	"strings"
	"time"
)

// DefaultMethod is the solving method used when a request does not name one.
const DefaultMethod = "userrecaptcha"

// ProxyType tags the protocol of the proxy the backend should solve through.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxyHTTPS  ProxyType = "HTTPS"
	ProxySOCKS4 ProxyType = "SOCKS4"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// State is the logical lifecycle state of a job. It is derived from the
// job's fields and never stored on its own.
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateDispatched State = "dispatched"
	StateSolved     State = "solved"
	StateErrored    State = "errored"
)

// IsTerminal reports whether s is solved or errored.
func (s State) IsTerminal() bool {
	return s == StateSolved || s == StateErrored
}

// Payload describes the captcha to solve. It is immutable after creation.
type Payload struct {
	PageURL   string    `json:"pageurl"`
	SiteKey   string    `json:"googlekey"`
	Method    string    `json:"method"`
	Proxy     string    `json:"proxy,omitempty"`
	ProxyType ProxyType `json:"proxytype,omitempty"`
}

// Normalize applies the payload defaults: the method falls back to
// DefaultMethod, a scheme prefix is stripped from the proxy address and a
// proxy without a type is assumed to be HTTP.
func (p Payload) Normalize() Payload {
	if p.Method == "" {
		p.Method = DefaultMethod
	}
	if i := strings.Index(p.Proxy, "://"); i >= 0 {
		p.Proxy = p.Proxy[i+3:]
	}
	if p.Proxy == "" {
		p.ProxyType = ""
	} else if p.ProxyType == "" {
		p.ProxyType = ProxyHTTP
	}
	return p
}

// JobError is the classified failure recorded on an errored job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Job is a captcha solving request and the only record the relay persists.
type Job struct {
	ID           string     `json:"id"`
	Payload      Payload    `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	Claimed      bool       `json:"claimed"`
	ExternalID   string     `json:"external_id,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	Solution     *string    `json:"solution,omitempty"`
	Error        *JobError  `json:"error,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DeadLettered bool       `json:"dead_lettered,omitempty"`
}

// State derives the lifecycle state from the job's fields.
func (j *Job) State() State {
	switch {
	case j.FinishedAt != nil && j.Solution != nil:
		return StateSolved
	case j.FinishedAt != nil:
		return StateErrored
	case j.ExternalID != "":
		return StateDispatched
	case j.Claimed:
		return StateClaimed
	default:
		return StatePending
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Solution != nil {
		s := *j.Solution
		c.Solution = &s
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.FinishedAt != nil {
		f := *j.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// JobUpdate is a partial update of the mutable job fields. Zero-valued
// fields are left untouched.
type JobUpdate struct {
	ExternalID   string
	Attempts     int
	Solution     *string
	Error        *JobError
	FinishedAt   *time.Time
	DeadLettered bool
}

// Solved builds the terminal success update.
func Solved(solution string, at time.Time) JobUpdate {
	return JobUpdate{Solution: &solution, FinishedAt: &at}
}

// Errored builds the terminal failure update.
func Errored(jobErr *JobError, at time.Time) JobUpdate {
	return JobUpdate{Error: jobErr, FinishedAt: &at}
}

// IsTerminal reports whether the update moves a job to a terminal state.
func (u JobUpdate) IsTerminal() bool {
	return u.FinishedAt != nil
}

// Apply validates u against job and mutates job in place. Terminal jobs are
// never mutated, external ids are set once, and solution and error are
// mutually exclusive and only ever written together with finished_at.
func (u JobUpdate) Apply(job *Job) error {
	if job.State().IsTerminal() {
		return ErrJobFinished
	}
	if u.Solution != nil && u.Error != nil {
		return ErrInvalidUpdate
	}
	if (u.Solution != nil || u.Error != nil) != (u.FinishedAt != nil) {
		return ErrInvalidUpdate
	}
	if u.DeadLettered && u.Error == nil {
		return ErrInvalidUpdate
	}
	if u.ExternalID != "" && job.ExternalID != "" && job.ExternalID != u.ExternalID {
		return ErrExternalIDSet
	}

	if u.ExternalID != "" {
		job.ExternalID = u.ExternalID
	}
	if u.Attempts > job.Attempts {
		job.Attempts = u.Attempts
	}
	if u.FinishedAt != nil {
		at := u.FinishedAt.UTC()
		job.FinishedAt = &at
		if u.Solution != nil {
			s := *u.Solution
			job.Solution = &s
		}
		if u.Error != nil {
			e := *u.Error
			job.Error = &e
		}
		job.DeadLettered = u.DeadLettered
	}
	return nil
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	State      State     `json:"state"`
	Solution   *string   `json:"solution,omitempty"`
	Error      *JobError `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewJobEvent builds the terminal event for job.
func NewJobEvent(job *Job) *JobEvent {
	ev := &JobEvent{
		JobID:    job.ID,
		State:    job.State(),
		Solution: job.Solution,
		Error:    job.Error,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	return ev
}
