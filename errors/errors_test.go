package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{
			name:      "wrapped transient",
			err:       WrapTransient(New("connection refused"), "Store", "Join", "exec transaction"),
			transient: true,
		},
		{
			name:    "wrapped invalid",
			err:     WrapInvalid(New("bad payload"), "Gateway", "identify", "decode message"),
			invalid: true,
		},
		{
			name:  "wrapped fatal",
			err:   WrapFatal(ErrMissingConfig, "Config", "Load", "validate"),
			fatal: true,
		},
		{
			name:      "sentinel timeout",
			err:       ErrConnectionTimeout,
			transient: true,
		},
		{
			name:      "context deadline",
			err:       fmt.Errorf("query: %w", context.DeadlineExceeded),
			transient: true,
		},
		{
			name:  "missing config sentinel",
			err:   ErrMissingConfig,
			fatal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.invalid, IsInvalid(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestWrapFormatsContext(t *testing.T) {
	err := Wrap(New("boom"), "Store", "Join", "insert membership")
	require.Error(t, err)
	assert.Equal(t, "Store.Join: insert membership failed: boom", err.Error())

	assert.Nil(t, Wrap(nil, "Store", "Join", "insert membership"))
	assert.Nil(t, WrapTransient(nil, "Store", "Join", "insert membership"))
}

func TestWrapPreservesSentinels(t *testing.T) {
	err := WrapTransient(ErrStoreUnavailable, "Limiter", "Allow", "load window")
	assert.True(t, Is(err, ErrStoreUnavailable))
	assert.True(t, IsTransient(err))
}

func TestDomainRejections(t *testing.T) {
	assert.True(t, IsDomainRejection(ErrChannelFull))
	assert.True(t, IsDomainRejection(ErrNotVoiceChannel))
	assert.True(t, IsDomainRejection(fmt.Errorf("join: %w", ErrNotPresent)))
	assert.False(t, IsDomainRejection(ErrConnectionTimeout))
	assert.False(t, IsDomainRejection(nil))

	// Domain rejections are never transient: they must not be retried.
	assert.False(t, IsTransient(ErrChannelFull))
}

func TestRateLimited(t *testing.T) {
	err := RateLimited(3 * time.Second)

	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, retryAfter)
	assert.True(t, IsDomainRejection(err))

	_, ok = IsRateLimited(New("unrelated"))
	assert.False(t, ok)

	wrapped := fmt.Errorf("gateway: %w", err)
	retryAfter, ok = IsRateLimited(wrapped)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, retryAfter)
}
