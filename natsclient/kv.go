package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/pkg/retry"
)

// KV sentinel errors
var (
	// ErrKVKeyNotFound indicates the requested key does not exist
	ErrKVKeyNotFound = stderrors.New("key not found")
	// ErrKVConflict indicates a revision conflict during compare-and-swap
	ErrKVConflict = stderrors.New("revision conflict")
)

// KVStore wraps a JetStream key-value bucket with revision-aware updates.
// Concurrent writers coordinate through compare-and-swap: every write
// names the revision it read, and the server rejects stale writes.
type KVStore struct {
	bucket jetstream.KeyValue
	name   string
}

// NewKVStore wraps an existing bucket.
func NewKVStore(bucket jetstream.KeyValue, name string) *KVStore {
	return &KVStore{bucket: bucket, name: name}
}

// Name returns the bucket name.
func (s *KVStore) Name() string {
	return s.name
}

// Get returns the value and revision for a key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, 0, ErrKVKeyNotFound
		}
		return nil, 0, errors.WrapTransient(err, "KVStore", "Get", fmt.Sprintf("get key %s", key))
	}
	return entry.Value(), entry.Revision(), nil
}

// Put writes a value unconditionally and returns the new revision.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", fmt.Sprintf("put key %s", key))
	}
	return rev, nil
}

// Update writes a value only if the key is still at the given revision.
// Returns ErrKVConflict when another writer got there first.
func (s *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVConflict
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update", fmt.Sprintf("update key %s", key))
	}
	return rev, nil
}

// Create writes a value only if the key does not exist yet.
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVConflict
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", fmt.Sprintf("create key %s", key))
	}
	return rev, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && !IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVStore", "Delete", fmt.Sprintf("delete key %s", key))
	}
	return nil
}

// UpdateFunc transforms the current value of a key into its next value.
// current is nil when the key does not exist yet.
type UpdateFunc func(current []byte) ([]byte, error)

// UpdateWithRetry performs a read-modify-write with compare-and-swap,
// retrying on revision conflicts with backoff. The update function may be
// called multiple times and must be free of side effects.
func (s *KVStore) UpdateWithRetry(ctx context.Context, key string, fn UpdateFunc) error {
	cfg := retry.Config{
		MaxAttempts:  8,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	return retry.Do(ctx, cfg, func() error {
		current, revision, err := s.Get(ctx, key)
		exists := true
		if err != nil {
			if !stderrors.Is(err, ErrKVKeyNotFound) {
				return err
			}
			exists = false
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			// A rejection from the transform is final, not a CAS conflict.
			return retry.NonRetryable(err)
		}

		if exists {
			_, err = s.Update(ctx, key, next, revision)
		} else {
			_, err = s.Create(ctx, key, next)
		}
		if stderrors.Is(err, ErrKVConflict) {
			return err // retried with fresh read
		}
		return err
	})
}

// IsKVNotFoundError checks whether an error indicates a missing key.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, ErrKVKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError checks whether an error indicates a CAS revision
// conflict or a create on an existing key.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) || stderrors.Is(err, ErrKVConflict) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "wrong last sequence") ||
		strings.Contains(errStr, "key exists")
}
