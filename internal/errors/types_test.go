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
	transient := Transient(fmt.Errorf("upstream 503"), 503)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))

	fatal := Fatal(fmt.Errorf("bad credentials"), 401)
	assert.False(t, IsTransient(fatal))
	assert.True(t, IsFatal(fatal))

	// Wrapping preserves the classification.
	wrapped := fmt.Errorf("crawl /Shared: %w", fatal)
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsTransient(wrapped))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.Nil(t, Transient(nil, 500))
	assert.Nil(t, Fatal(nil, 401))
}

func TestTransientMessageMarkers(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("request timeout after 30s")))
	assert.True(t, IsTransient(fmt.Errorf("429 too many requests")))
	assert.True(t, IsTransient(fmt.Errorf("connection reset by peer")))
	assert.False(t, IsTransient(fmt.Errorf("invalid request payload")))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, RetryableStatus(429))
	assert.True(t, RetryableStatus(500))
	assert.True(t, RetryableStatus(503))
	assert.False(t, RetryableStatus(404))
	assert.False(t, RetryableStatus(401))

	assert.True(t, AuthStatus(401))
	assert.True(t, AuthStatus(403))
	assert.False(t, AuthStatus(500))
}

func TestFromHTTPStatus(t *testing.T) {
	err := FromHTTPStatus(503, "service unavailable")
	assert.True(t, IsTransient(err))

	err = FromHTTPStatus(403, "forbidden")
	assert.True(t, IsFatal(err))

	err = FromHTTPStatus(404, "not found")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "404")
}

func TestItemError(t *testing.T) {
	inner := fmt.Errorf("export failed")
	err := &ItemError{Item: "/Shared/etl", Err: inner}
	assert.Contains(t, err.Error(), `"/Shared/etl"`)
	assert.ErrorIs(t, err, inner)
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", Transient(fmt.Errorf("flaky"), 500)
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		attempts++
		return 0, fmt.Errorf("bad payload")
	})
	assert.ErrorContains(t, err, "bad payload")
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		attempts++
		return 0, Transient(fmt.Errorf("still down"), 503)
	})
	assert.ErrorContains(t, err, "max retries exceeded")
	assert.Equal(t, 3, attempts) // MaxAttempts retries plus the first try
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, fastRetryConfig(), func(context.Context) (int, error) {
		t.Fatal("fn must not run with a dead context")
		return 0, nil
	})
	assert.ErrorContains(t, err, "context cancelled")
}

func TestCalculateBackoffCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 3*time.Second, calculateBackoff(2, cfg)) // capped
	assert.Equal(t, 3*time.Second, calculateBackoff(10, cfg))

	jittered := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0.25}
	for i := 0; i < 20; i++ {
		d := calculateBackoff(1, jittered)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}
