package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMetricsPrunesOldAttempts(t *testing.T) {
	h := NewHealthMetrics()
	old := time.Now().Add(-2 * healthWindow)
	h.Record(Attempt{At: old, Success: false, Name: "stale"})
	h.Record(Attempt{At: time.Now(), Success: true, Name: "fresh"})

	snap := h.Derive()
	assert.Equal(t, 1, snap.SampleCount)
}

func TestHealthMetricsErrorRateAndDiversity(t *testing.T) {
	h := NewHealthMetrics()
	now := time.Now()
	h.Record(Attempt{At: now, Success: false, Name: "A"})
	h.Record(Attempt{At: now, Success: false, Name: "B"})
	h.Record(Attempt{At: now, Success: true, Name: "C"})
	h.Record(Attempt{At: now, Success: true, Name: "D"})

	snap := h.Derive()
	assert.InDelta(t, 0.5, snap.ErrorRate, 0.001)
	assert.Equal(t, 2, snap.UniqueFailingSubstances)
	assert.InDelta(t, 1.0, snap.FailureDiversity, 0.001)
}

func TestEvaluateEmergencyErrorRateBreaksCircuit(t *testing.T) {
	thresholds := WithBaseline(500)
	state := NewState(8)
	snap := HealthSnapshot{ErrorRate: 0.9}

	action, delay := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionCircuitBreak, action)
	assert.Zero(t, delay)
}

func TestEvaluateCriticalErrorRateWidespreadReduces(t *testing.T) {
	thresholds := WithBaseline(500)
	state := NewState(8)
	// Many distinct records failing at a critical error rate: backend is sick.
	snap := HealthSnapshot{ErrorRate: 0.30, FailureDiversity: 0.95}

	action, _ := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionReduce, action)
}

func TestEvaluateCriticalErrorRateConcentratedHolds(t *testing.T) {
	thresholds := WithBaseline(500)
	state := NewState(8)
	// A single poison record repeatedly failing: reducing fleet throughput
	// wouldn't help, so this holds instead of reducing.
	snap := HealthSnapshot{ErrorRate: 0.30, FailureDiversity: 0.1}

	action, _ := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionHold, action)
}

func TestEvaluateP99CriticalRateLimits(t *testing.T) {
	thresholds := WithBaseline(100)
	state := NewState(8)
	snap := HealthSnapshot{ErrorRate: 0, P99LatencyMs: 600}

	action, delay := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionRateLimit, action)
	assert.Equal(t, 100*time.Millisecond, delay)
}

func TestEvaluateP99WarningRateLimits(t *testing.T) {
	thresholds := WithBaseline(100)
	state := NewState(8)
	snap := HealthSnapshot{ErrorRate: 0, P99LatencyMs: 250}

	action, delay := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionRateLimit, action)
	assert.Equal(t, 50*time.Millisecond, delay)
}

func TestEvaluateHealthyWindowAllowsIncrease(t *testing.T) {
	thresholds := WithBaseline(500)
	state := NewState(8)
	require.True(t, state.Apply(ActionReduce, 0))
	require.Equal(t, 7, state.Concurrency())

	snap := HealthSnapshot{ErrorRate: 0.0, HealthyDuration: time.Minute}
	action, _ := Evaluate(snap, thresholds, state)
	assert.Equal(t, ActionIncrease, action)
}

func TestEvaluateBrokenCircuitHoldsUntilHealthyWindow(t *testing.T) {
	thresholds := WithBaseline(500)
	state := NewState(8)
	state.Apply(ActionCircuitBreak, 0)

	held, _ := Evaluate(HealthSnapshot{ErrorRate: 0.01, HealthyDuration: time.Second}, thresholds, state)
	assert.Equal(t, ActionHold, held)

	recovered, _ := Evaluate(HealthSnapshot{ErrorRate: 0.01, HealthyDuration: time.Minute}, thresholds, state)
	assert.Equal(t, ActionCircuitRecover, recovered)
}

func TestStateApplyCooldownBlocksRapidNonCircuitChanges(t *testing.T) {
	state := NewState(8)
	applied := state.Apply(ActionReduce, 0)
	require.True(t, applied)

	again := state.Apply(ActionReduce, 0)
	assert.False(t, again, "second reduce within cooldown window should be held")
}

func TestStateApplyCircuitBypassesCooldown(t *testing.T) {
	state := NewState(8)
	require.True(t, state.Apply(ActionReduce, 0))
	require.True(t, state.Apply(ActionCircuitBreak, 0))
	assert.True(t, state.IsCircuitBroken())
}

func TestStateApplyReduceClampsToOne(t *testing.T) {
	state := NewState(1)
	state.Apply(ActionReduce, 0)
	assert.Equal(t, 1, state.Concurrency())
}

func TestStateApplyRateLimitSetsDelay(t *testing.T) {
	state := NewState(8)
	require.True(t, state.Apply(ActionRateLimit, 100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, state.RateLimitDelay())
}

func TestStateApplyCircuitRecoverClearsRateLimitDelay(t *testing.T) {
	state := NewState(8)
	require.True(t, state.Apply(ActionRateLimit, 100*time.Millisecond))
	// Circuit actions always bypass the cooldown, so these apply immediately
	// even though the rate limit above was just applied.
	require.True(t, state.Apply(ActionCircuitBreak, 0))
	require.True(t, state.Apply(ActionCircuitRecover, 0))
	assert.Zero(t, state.RateLimitDelay())
}

func TestControllerRecordAndEvaluateAppliesAction(t *testing.T) {
	c := NewController(8, 500)
	for i := 0; i < 10; i++ {
		c.RecordAndEvaluate(Attempt{At: time.Now(), Success: false, LatencyMs: 10, Name: "X"})
	}
	assert.True(t, c.ShouldPause())
}
