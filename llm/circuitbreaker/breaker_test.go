package circuitbreaker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b := NewBreaker("m1", nil, nil)

	for i := 1; i < 5; i++ {
		b.RecordFailure()
		assert.NotEqual(t, StatusCircuitOpen, b.Status(), "circuit must stay closed below threshold, failure %d", i)
		assert.True(t, b.IsAvailable())
	}

	b.RecordFailure()
	assert.Equal(t, StatusCircuitOpen, b.Status())
	assert.Equal(t, 5, b.FailureCount())
	assert.False(t, b.IsAvailable())
}

func TestFirstFailureDegrades(t *testing.T) {
	b := NewBreaker("m1", nil, nil)
	require.Equal(t, StatusOnline, b.Status())

	b.RecordFailure()
	assert.Equal(t, StatusDegraded, b.Status())
	assert.Equal(t, 1, b.FailureCount())
}

func TestRecordSuccessDecrementsWithFloorZero(t *testing.T) {
	b := NewBreaker("m1", nil, nil)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.FailureCount())

	b.RecordSuccess()
	assert.Equal(t, 1, b.FailureCount())
	assert.Equal(t, StatusDegraded, b.Status())

	b.RecordSuccess()
	assert.Equal(t, 0, b.FailureCount())
	assert.Equal(t, StatusOnline, b.Status())

	b.RecordSuccess()
	assert.Equal(t, 0, b.FailureCount(), "count never goes negative")
}

func TestSuccessNeverClosesOpenCircuit(t *testing.T) {
	b := NewBreaker("m1", nil, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StatusCircuitOpen, b.Status())

	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	assert.Equal(t, StatusCircuitOpen, b.Status())
	assert.False(t, b.IsAvailable())
}

func TestCooldownResetsOpenCircuit(t *testing.T) {
	b := NewBreaker("m1", &Config{FailureThreshold: 5, CooldownTimeout: 10 * time.Millisecond}, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.False(t, b.IsAvailable())

	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.IsAvailable())
	assert.Equal(t, StatusOnline, b.Status())
	assert.Equal(t, 0, b.FailureCount())
}

func TestFailureAfterCooldownResetNeedsFullThresholdAgain(t *testing.T) {
	b := NewBreaker("m1", &Config{FailureThreshold: 5, CooldownTimeout: 10 * time.Millisecond}, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.IsAvailable())

	b.RecordFailure()
	assert.Equal(t, StatusDegraded, b.Status())
	assert.Equal(t, 1, b.FailureCount())
	assert.True(t, b.IsAvailable())
}

func TestMarkOfflineAndOnline(t *testing.T) {
	b := NewBreaker("m1", nil, nil)

	b.MarkOffline()
	assert.Equal(t, StatusOffline, b.Status())
	// Offline is administrative, not a circuit trip.
	assert.True(t, b.IsAvailable())

	b.MarkOnline()
	assert.Equal(t, StatusOnline, b.Status())
}

func TestMarkOfflineDoesNotMaskOpenCircuit(t *testing.T) {
	b := NewBreaker("m1", nil, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.MarkOffline()
	assert.Equal(t, StatusCircuitOpen, b.Status())
}

func TestStateChangeCallback(t *testing.T) {
	transitions := make(chan [2]Status, 8)
	cfg := &Config{
		FailureThreshold: 2,
		CooldownTimeout:  time.Minute,
		OnStateChange: func(model string, from, to Status) {
			transitions <- [2]Status{from, to}
		},
	}
	b := NewBreaker("m1", cfg, nil)

	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, [2]Status{StatusOnline, StatusDegraded}, <-transitions)
	assert.Equal(t, [2]Status{StatusDegraded, StatusCircuitOpen}, <-transitions)
}

func TestRegistryLazyCreateAndSnapshot(t *testing.T) {
	r := NewRegistry(nil, nil)

	b1 := r.Get("m1")
	b2 := r.Get("m2")
	assert.Same(t, b1, r.Get("m1"))

	b2.RecordFailure()
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StatusOnline, snap["m1"])
	assert.Equal(t, StatusDegraded, snap["m2"])
}

func TestBreakerProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("failure count tracks outcomes with floor zero", prop.ForAll(
		func(outcomes []bool) bool {
			b := NewBreaker("m", nil, nil)
			expected := 0
			for _, ok := range outcomes {
				if ok {
					b.RecordSuccess()
					if expected > 0 {
						expected--
					}
				} else {
					b.RecordFailure()
					expected++
				}
			}
			return b.FailureCount() == expected
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("circuit open exactly when count reached threshold", prop.ForAll(
		func(failures int) bool {
			b := NewBreaker("m", nil, nil)
			for i := 0; i < failures; i++ {
				b.RecordFailure()
			}
			open := b.Status() == StatusCircuitOpen
			return open == (failures >= 5)
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
