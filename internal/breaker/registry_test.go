package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/pkg/errors"
)

const origin = "https://api.example.com"

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	reg := NewRegistry(Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second}, mock, nil)
	return reg, mock
}

func TestRegistry_StartsClosed(t *testing.T) {
	reg, _ := newTestRegistry(t)

	assert.Equal(t, StateClosed, reg.State(origin))
	assert.NoError(t, reg.Allow(origin))
}

func TestRegistry_TripsAtThreshold(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
		assert.Equal(t, StateClosed, reg.State(origin), "should stay closed below threshold")
	}

	reg.RecordOutcome(origin, OutcomeFailure)
	assert.Equal(t, StateOpen, reg.State(origin))

	err := reg.Allow(origin)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}

func TestRegistry_HalfOpenAfterResetTimeout(t *testing.T) {
	reg, mock := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	require.Equal(t, StateOpen, reg.State(origin))

	// Still open just before the reset timeout
	mock.Add(59 * time.Second)
	assert.Error(t, reg.Allow(origin))

	// The next Allow after the timeout transitions to half-open and permits
	// exactly one trial
	mock.Add(2 * time.Second)
	assert.NoError(t, reg.Allow(origin))

	// A concurrent attempt during the trial is rejected
	err := reg.Allow(origin)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	reg, mock := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	mock.Add(61 * time.Second)
	require.NoError(t, reg.Allow(origin))

	reg.RecordOutcome(origin, OutcomeSuccess)
	assert.Equal(t, StateClosed, reg.State(origin))
	assert.Equal(t, 0, reg.FailureCount(origin))
	assert.NoError(t, reg.Allow(origin))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	reg, mock := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	mock.Add(61 * time.Second)
	require.NoError(t, reg.Allow(origin))

	reg.RecordOutcome(origin, OutcomeFailure)
	assert.Equal(t, StateOpen, reg.State(origin))

	// Failure timer restarted: still rejecting 59s later
	mock.Add(59 * time.Second)
	assert.Error(t, reg.Allow(origin))

	mock.Add(2 * time.Second)
	assert.NoError(t, reg.Allow(origin))
}

func TestRegistry_CancelledDoesNotCount(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i := 0; i < 10; i++ {
		reg.RecordOutcome(origin, OutcomeCancelled)
	}
	assert.Equal(t, StateClosed, reg.State(origin))
	assert.Equal(t, 0, reg.FailureCount(origin))
}

func TestRegistry_CancelledReleasesHalfOpenProbe(t *testing.T) {
	reg, mock := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	mock.Add(61 * time.Second)
	require.NoError(t, reg.Allow(origin))
	require.Error(t, reg.Allow(origin))

	reg.RecordOutcome(origin, OutcomeCancelled)
	assert.NoError(t, reg.Allow(origin), "cancelled trial should free the probe slot")
}

func TestRegistry_StalledProbeReleasedAfterResetTimeout(t *testing.T) {
	reg, mock := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	mock.Add(61 * time.Second)
	require.NoError(t, reg.Allow(origin))

	// The admitted trial never reports an outcome. The slot stays held
	// within the reset timeout, then is reclaimed by the next attempt.
	mock.Add(59 * time.Second)
	require.Error(t, reg.Allow(origin))

	mock.Add(2 * time.Second)
	require.NoError(t, reg.Allow(origin))

	reg.RecordOutcome(origin, OutcomeSuccess)
	assert.Equal(t, StateClosed, reg.State(origin))
}

func TestRegistry_PerOriginIsolation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	other := "https://other.example.net"

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}

	assert.Equal(t, StateOpen, reg.State(origin))
	assert.Equal(t, StateClosed, reg.State(other))
	assert.NoError(t, reg.Allow(other))
}

func TestRegistry_Reset(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	require.Equal(t, StateOpen, reg.State(origin))

	reg.Reset(origin)
	assert.Equal(t, StateClosed, reg.State(origin))
	assert.Equal(t, 0, reg.FailureCount(origin))
	assert.NoError(t, reg.Allow(origin))
}

func TestRegistry_StateChangeCallback(t *testing.T) {
	var transitions []State
	mock := clock.NewMock()
	reg := NewRegistry(Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		OnStateChange: func(o string, from, to State) {
			assert.Equal(t, origin, o)
			transitions = append(transitions, to)
		},
	}, mock, nil)

	reg.RecordOutcome(origin, OutcomeFailure)
	reg.RecordOutcome(origin, OutcomeFailure)
	mock.Add(2 * time.Second)
	require.NoError(t, reg.Allow(origin))
	reg.RecordOutcome(origin, OutcomeSuccess)

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestRegistry_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	reg, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		reg.RecordOutcome(origin, OutcomeFailure)
	}
	reg.RecordOutcome("https://other.example.net", OutcomeFailure)

	require.NoError(t, reg.Persist(ctx, mem, "breakers"))

	restored := NewRegistry(DefaultConfig(), clock.NewMock(), nil)
	require.NoError(t, restored.Restore(ctx, mem, "breakers"))

	assert.Equal(t, StateOpen, restored.State(origin))
	assert.Equal(t, 1, restored.FailureCount("https://other.example.net"))
	assert.ElementsMatch(t, []string{origin, "https://other.example.net"}, restored.Origins())
}

func TestRegistry_RestoreMissingKeyIsNoop(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.NoError(t, reg.Restore(context.Background(), store.NewMemoryStore(), "absent"))
	assert.Equal(t, StateClosed, reg.State(origin))
}
