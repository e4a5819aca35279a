package ratelimit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akadon/zent-voice/natsclient"
)

// memStore applies updates against an in-memory map, mimicking the CAS
// store without a server.
type memStore struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string][]byte)}
}

func (s *memStore) UpdateWithRetry(_ context.Context, key string, fn natsclient.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	next, err := fn(s.values[key])
	if err != nil {
		return err
	}
	s.values[key] = next
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	opts = append(opts, withClock(clock.Now))
	return NewLimiter(newMemStore(), opts...), clock
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := limiter.Allow(ctx, ClassJoin, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 9-i, d.Remaining)
	}
}

func TestDenyOverBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Allow(ctx, ClassJoin, "user-1")
		require.NoError(t, err)
	}

	d, err := limiter.Allow(ctx, ClassJoin, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 10*time.Second, d.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	limiter, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Allow(ctx, ClassJoin, "user-1")
		require.NoError(t, err)
	}

	// Just inside the window: still denied, with a shrinking retry hint.
	clock.Advance(9 * time.Second)
	d, err := limiter.Allow(ctx, ClassJoin, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// Past the window: all markers expired.
	clock.Advance(1001 * time.Millisecond)
	d, err = limiter.Allow(ctx, ClassJoin, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestPrincipalsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Allow(ctx, ClassJoin, "user-1")
		require.NoError(t, err)
	}

	d, err := limiter.Allow(ctx, ClassJoin, "user-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestClassesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Allow(ctx, ClassJoin, "user-1")
		require.NoError(t, err)
	}

	d, err := limiter.Allow(ctx, ClassState, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 19, d.Remaining)
}

func TestStateBudgetIsTwenty(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		d, err := limiter.Allow(ctx, ClassState, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, ClassState, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestUnknownClass(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	_, err := limiter.Allow(context.Background(), Class("bogus"), "user-1")
	assert.Error(t, err)
}

func TestStoreFailureSurfacesAsError(t *testing.T) {
	store := newMemStore()
	store.err = stderrors.New("bucket offline")
	limiter := NewLimiter(store)

	_, err := limiter.Allow(context.Background(), ClassJoin, "user-1")
	assert.Error(t, err)
}

func TestCorruptMarkersResetWindow(t *testing.T) {
	store := newMemStore()
	store.values["rl.join.user-1"] = []byte("not json")
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	limiter := NewLimiter(store, withClock(clock.Now))

	d, err := limiter.Allow(context.Background(), ClassJoin, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestWithBudgetOverride(t *testing.T) {
	limiter, _ := newTestLimiter(t, WithBudget(ClassJoin, Budget{Limit: 1, Window: time.Minute}))
	ctx := context.Background()

	d, err := limiter.Allow(ctx, ClassJoin, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, ClassJoin, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
