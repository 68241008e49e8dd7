package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
)

// jobState is the JSON document stored in the jobs bucket. Timestamps are
// kept as RFC 3339 strings so the documents stay readable with `nats kv get`.
type jobState struct {
	ID           string         `json:"id"`
	Payload      core.Payload   `json:"payload"`
	CreatedAt    string         `json:"created_at"`
	Claimed      bool           `json:"claimed"`
	ExternalID   string         `json:"external_id,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	Solution     *string        `json:"solution,omitempty"`
	Error        *core.JobError `json:"error,omitempty"`
	FinishedAt   string         `json:"finished_at,omitempty"`
	DeadLettered bool           `json:"dead_lettered,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// jobToState converts a core.Job to a jobState for KV storage.
func jobToState(job *core.Job) *jobState {
	s := &jobState{
		ID:           job.ID,
		Payload:      job.Payload,
		CreatedAt:    formatTime(job.CreatedAt),
		Claimed:      job.Claimed,
		ExternalID:   job.ExternalID,
		Attempts:     job.Attempts,
		Solution:     job.Solution,
		Error:        job.Error,
		DeadLettered: job.DeadLettered,
	}
	if job.FinishedAt != nil {
		s.FinishedAt = formatTime(*job.FinishedAt)
	}
	return s
}

// stateToJob converts a jobState from KV back to a core.Job.
func stateToJob(s *jobState) (*core.Job, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", s.ID, err)
	}
	job := &core.Job{
		ID:           s.ID,
		Payload:      s.Payload,
		CreatedAt:    createdAt,
		Claimed:      s.Claimed,
		ExternalID:   s.ExternalID,
		Attempts:     s.Attempts,
		Solution:     s.Solution,
		Error:        s.Error,
		DeadLettered: s.DeadLettered,
	}
	if s.FinishedAt != "" {
		finishedAt, err := time.Parse(time.RFC3339Nano, s.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("job %s finished_at: %w", s.ID, err)
		}
		job.FinishedAt = &finishedAt
	}
	return job, nil
}

// marshalJobState serializes job state to JSON for KV storage.
func marshalJobState(job *core.Job) ([]byte, error) {
	return json.Marshal(jobToState(job))
}

// unmarshalJobState deserializes job state from KV JSON.
func unmarshalJobState(data []byte) (*core.Job, error) {
	var s jobState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return stateToJob(&s)
}
