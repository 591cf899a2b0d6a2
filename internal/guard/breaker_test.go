package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThresholdInWindow(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("restart_service")
		assert.NoError(t, b.Allow("restart_service"))
	}

	b.RecordFailure("restart_service")
	err := b.Allow("restart_service")
	require.Error(t, err, "third failure inside the window must trip the breaker")
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, StateOpen, b.State("restart_service"))
}

func TestBreaker_OldFailuresAgeOut(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	b.RecordFailure("restart_service")
	b.RecordFailure("restart_service")

	// The first two fall out of the sliding window before the third lands.
	clock.Advance(DefaultFailureWindow + time.Second)
	b.RecordFailure("restart_service")

	assert.NoError(t, b.Allow("restart_service"))
	assert.Equal(t, StateClosed, b.State("restart_service"))
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	require.Error(t, b.Allow("restart_service"))

	clock.Advance(DefaultOpenDuration)
	require.NoError(t, b.Allow("restart_service"), "elapsed open duration admits one probe")

	b.RecordSuccess("restart_service")
	assert.Equal(t, StateClosed, b.State("restart_service"))
	assert.NoError(t, b.Allow("restart_service"))
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	clock.Advance(DefaultOpenDuration)
	require.NoError(t, b.Allow("restart_service"))

	b.RecordFailure("restart_service")
	err := b.Allow("restart_service")
	require.Error(t, err, "one failed probe reopens for the full open duration")

	clock.Advance(DefaultOpenDuration - time.Second)
	assert.Error(t, b.Allow("restart_service"))
	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Allow("restart_service"))
}

func TestBreaker_HalfOpenAdmitsOneProbeAtATime(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	clock.Advance(DefaultOpenDuration)

	require.NoError(t, b.Allow("restart_service"), "first caller claims the probe")
	err := b.Allow("restart_service")
	require.Error(t, err, "a second caller must wait for the probe outcome")
	assert.Contains(t, err.Error(), "probe already in flight")

	// Check never claims the slot, but it does report the in-flight probe.
	assert.Error(t, b.Check("restart_service"))

	b.RecordSuccess("restart_service")
	assert.NoError(t, b.Allow("restart_service"))
}

func TestBreaker_CheckNeverClaimsProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	clock.Advance(DefaultOpenDuration)

	// Repeated checks leave the probe slot free for the executor.
	require.NoError(t, b.Check("restart_service"))
	require.NoError(t, b.Check("restart_service"))
	assert.NoError(t, b.Allow("restart_service"))
}

func TestBreaker_ActionTypesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	require.Error(t, b.Allow("restart_service"))
	assert.NoError(t, b.Allow("clear_cache"))
}

func TestBreaker_ForceOpenPinsState(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	until := clock.Now().Add(time.Hour)
	require.NoError(t, b.Force("restart_service", StateOpen, until))

	require.Error(t, b.Allow("restart_service"))
	// Outcomes do not move a forced breaker.
	b.RecordSuccess("restart_service")
	b.Force("restart_service", StateOpen, until)
	require.Error(t, b.Allow("restart_service"))

	clock.Advance(2 * time.Hour)
	assert.NoError(t, b.Allow("restart_service"), "expired force deadline releases the pin")
}

func TestBreaker_ForceClosedClearsFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(WithBreakerClock(clock.Now))

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("restart_service")
	}
	require.Error(t, b.Allow("restart_service"))

	require.NoError(t, b.Force("restart_service", StateClosed, clock.Now().Add(time.Hour)))
	assert.NoError(t, b.Allow("restart_service"))
}

func TestBreaker_ForceRejectsHalfOpen(t *testing.T) {
	b := NewCircuitBreaker()
	assert.Error(t, b.Force("restart_service", StateHalfOpen, time.Now().Add(time.Hour)))
}
