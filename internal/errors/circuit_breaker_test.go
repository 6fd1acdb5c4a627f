package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() *CircuitBreaker {
	return NewCircuitBreaker("upstream", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb := testBreaker()
	boom := fmt.Errorf("upstream down")

	cb.Mark(boom)
	cb.Mark(boom)
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())

	cb.Mark(boom)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), `circuit breaker upstream is open`)
}

func TestCircuitSuccessResetsFailureStreak(t *testing.T) {
	cb := testBreaker()
	boom := fmt.Errorf("flaky")

	cb.Mark(boom)
	cb.Mark(boom)
	cb.Mark(nil) // streak broken
	cb.Mark(boom)
	cb.Mark(boom)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	cb := testBreaker()
	boom := fmt.Errorf("down")
	for i := 0; i < 3; i++ {
		cb.Mark(boom)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow()) // probe allowed after the timeout
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(nil)
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Mark(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker()
	boom := fmt.Errorf("down")
	for i := 0; i < 3; i++ {
		cb.Mark(boom)
	}
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(boom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
