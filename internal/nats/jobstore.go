package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/captcha-relay/internal/core"
	"github.com/openjobspec/captcha-relay/internal/kv"
)

// JobStore implements core.JobStore on NATS JetStream KV. Claims are
// compare-and-swap updates on the job document, so any number of relay
// processes can share one set of buckets.
type JobStore struct {
	nc *nats.Conn
	js jetstream.JetStream

	jobs    *kv.Store
	pending *kv.Store
	dead    *kv.Store

	now func() time.Time
}

var _ core.JobStore = (*JobStore)(nil)

// New connects to NATS and opens the relay buckets, creating them if needed.
func New(natsURL string) (*JobStore, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("captcha-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	s := &JobStore{nc: nc, js: js, now: time.Now}
	for _, b := range []struct {
		name string
		dst  **kv.Store
	}{
		{BucketJobs, &s.jobs},
		{BucketPending, &s.pending},
		{BucketDead, &s.dead},
	} {
		store, err := openKV(b.name)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*b.dst = store
	}
	return s, nil
}

// Conn returns the underlying NATS connection for the event broker.
func (s *JobStore) Conn() *nats.Conn {
	return s.nc
}

// Healthy reports whether the NATS connection is up.
func (s *JobStore) Healthy() bool {
	return s.nc.IsConnected()
}

func (s *JobStore) Close() error {
	s.nc.Close()
	return nil
}

// Create stores a new job and indexes it as unclaimed.
func (s *JobStore) Create(ctx context.Context, job *core.Job) (*core.Job, error) {
	job = job.Clone()
	if job.ID == "" {
		job.ID = core.NewUUIDv7()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.CreatedAt = job.CreatedAt.UTC()

	data, err := marshalJobState(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if _, err := s.jobs.Create(ctx, job.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("create job %s: %w: %w", job.ID, core.ErrJobExists, err)
		}
		return nil, storeErr("create job "+job.ID, err)
	}

	if job.State() == core.StatePending {
		if _, err := s.pending.Put(ctx, job.ID, []byte(formatTime(job.CreatedAt))); err != nil {
			return nil, storeErr("index job "+job.ID, err)
		}
	}
	return job, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*core.Job, error) {
	data, _, err := s.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, storeErr("get job "+id, err)
	}
	job, err := unmarshalJobState(data)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w: %w", id, errCorruptJob, err)
	}
	return job, nil
}

// FindUnclaimed returns up to limit unclaimed jobs, oldest first. Index
// entries whose job is gone or already claimed are removed on the way.
func (s *JobStore) FindUnclaimed(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.pending.Keys(ctx)
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	sort.Strings(ids)

	jobs := make([]*core.Job, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(jobs) >= limit {
			break
		}
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			_ = s.pending.Delete(ctx, id)
			continue
		}
		if errors.Is(err, errCorruptJob) {
			slog.Warn("dropping undecodable job from pending index", "component", "jobstore", "job_id", id, "error", err)
			_ = s.pending.Delete(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Claimed {
			_ = s.pending.Delete(ctx, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimAtomic marks each still-unclaimed job as claimed and returns the ids
// this call won. A job that is already claimed, finished or deleted is
// skipped. If the store becomes unavailable mid-batch the ids claimed so far
// are returned together with the error.
func (s *JobStore) ClaimAtomic(ctx context.Context, ids []string) ([]string, error) {
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := s.claim(ctx, id)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed = append(claimed, id)
		_ = s.pending.Delete(ctx, id)
	}
	return claimed, nil
}

func (s *JobStore) claim(ctx context.Context, id string) (bool, error) {
	_, err := s.jobs.Mutate(ctx, id, func(current []byte) ([]byte, error) {
		job, err := unmarshalJobState(current)
		if err != nil {
			return nil, err
		}
		if job.Claimed || job.State().IsTerminal() {
			return nil, kv.ErrSkip
		}
		job.Claimed = true
		return marshalJobState(job)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kv.ErrSkip), errors.Is(err, kv.ErrConflict), errors.Is(err, jetstream.ErrKeyNotFound):
		return false, nil
	default:
		return false, storeErr("claim job "+id, err)
	}
}

// UpdateFields applies update to the stored job with a compare-and-swap
// write. Dead-lettered jobs are also added to the dead index.
func (s *JobStore) UpdateFields(ctx context.Context, id string, update core.JobUpdate) error {
	var updated *core.Job
	_, err := s.jobs.Mutate(ctx, id, func(current []byte) ([]byte, error) {
		job, err := unmarshalJobState(current)
		if err != nil {
			return nil, err
		}
		if err := update.Apply(job); err != nil {
			return nil, err
		}
		updated = job
		return marshalJobState(job)
	})
	if err != nil {
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			return core.ErrNotFound
		case errors.Is(err, core.ErrJobFinished), errors.Is(err, core.ErrExternalIDSet), errors.Is(err, core.ErrInvalidUpdate):
			return fmt.Errorf("update job %s: %w", id, err)
		case errors.Is(err, kv.ErrConflict):
			return fmt.Errorf("update job %s: %w", id, err)
		default:
			return storeErr("update job "+id, err)
		}
	}

	if updated.DeadLettered {
		if _, err := s.dead.Put(ctx, id, []byte(formatTime(*updated.FinishedAt))); err != nil {
			return storeErr("index dead job "+id, err)
		}
	}
	return nil
}

// FindExpired returns the ids of jobs created at or before now-maxAge,
// whatever their state.
func (s *JobStore) FindExpired(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ids, err := s.jobs.Keys(ctx)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	sort.Strings(ids)

	cutoff := s.now().Add(-maxAge)
	var expired []string
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !job.CreatedAt.After(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// DeleteMany removes the jobs and their index entries and returns how many
// jobs existed.
func (s *JobStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		if s.jobs.Exists(ctx, id) {
			if err := s.jobs.Delete(ctx, id); err != nil {
				return deleted, storeErr("delete job "+id, err)
			}
			deleted++
		}
		_ = s.pending.Delete(ctx, id)
		_ = s.dead.Delete(ctx, id)
	}
	return deleted, nil
}

// ListDeadLettered returns the dead-lettered jobs that still exist, oldest
// first.
func (s *JobStore) ListDeadLettered(ctx context.Context) ([]*core.Job, error) {
	ids, err := s.dead.Keys(ctx)
	if err != nil {
		return nil, storeErr("list dead", err)
	}
	sort.Strings(ids)

	jobs := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			_ = s.dead.Delete(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// errCorruptJob marks a stored job document that can't be decoded.
var errCorruptJob = errors.New("corrupt job document")

// storeErr wraps err with op and, when the failure means NATS can't be
// reached, with core.ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, context.DeadlineExceeded)
}
