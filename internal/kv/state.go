package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the read-modify-write loop in Mutate.
const maxCASAttempts = 3

var (
	// ErrSkip is returned by a mutate func to abort without writing.
	ErrSkip = errors.New("kv: mutation skipped")
	// ErrConflict is returned when every CAS attempt lost to a concurrent writer.
	ErrConflict = errors.New("kv: revision conflict")
)

// Store provides revision-aware access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.kv.Bucket()
}

// Get retrieves a value and its revision.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Keys returns all live keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// An empty bucket is reported as an error.
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.kv.Get(ctx, key)
	return err == nil
}

// Mutate performs a compare-and-swap update of the value at key. fn receives
// the current value and returns the replacement; an error from fn aborts the
// update and is returned as is. A revision conflict re-reads the value and
// runs fn again, up to maxCASAttempts times, so fn may be called more than
// once.
func (s *Store) Mutate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error) {
	for i := 0; i < maxCASAttempts; i++ {
		current, rev, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}

		next, err := fn(current)
		if err != nil {
			return 0, err
		}

		newRev, err := s.kv.Update(ctx, key, next, rev)
		if err == nil {
			return newRev, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return 0, err
		}
		// Revision moved underneath us; re-read and re-evaluate.
	}
	return 0, fmt.Errorf("key %s: %w", key, ErrConflict)
}
