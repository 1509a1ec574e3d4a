package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()
	b := New("test-provider", cfg)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, OpenDuration: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.RecordOutcome(false, errkind.Transient)
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.CanExecute())
	b.RecordOutcome(false, errkind.Timeout)

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute})

	for i := 0; i < 10; i++ {
		require.True(t, b.CanExecute())
		b.RecordOutcome(false, errkind.Permanent)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, OpenDuration: time.Minute})

	b.RecordOutcome(false, errkind.Transient)
	b.RecordOutcome(false, errkind.Transient)
	b.RecordOutcome(true, "")
	assert.Zero(t, b.Failures())

	b.RecordOutcome(false, errkind.Resource)
	assert.Equal(t, StateClosed, b.State())
}

func TestOpenTransitionsToHalfOpenAfterWindow(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute})

	b.RecordOutcome(false, errkind.Unknown)
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	*now = now.Add(time.Minute)

	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute})

	b.RecordOutcome(false, errkind.Transient)
	*now = now.Add(time.Minute)

	require.True(t, b.CanExecute())
	b.RecordOutcome(true, "")

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute})

	b.RecordOutcome(false, errkind.Transient)
	*now = now.Add(time.Minute)

	require.True(t, b.CanExecute())
	b.RecordOutcome(false, errkind.Timeout)

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	// The open window restarts from the failed probe.
	*now = now.Add(30 * time.Second)
	assert.False(t, b.CanExecute())
	*now = now.Add(30 * time.Second)
	assert.True(t, b.CanExecute())
}

func TestHalfOpenCapsConcurrentProbes(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenMax: 2})

	b.RecordOutcome(false, errkind.Transient)
	*now = now.Add(time.Minute)

	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute())

	// Releasing one probe slot admits another.
	b.RecordOutcome(false, errkind.Permanent)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.CanExecute())
}

func TestOnStateChangeCallback(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 1, OpenDuration: time.Minute})

	var transitions []string
	b.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, string(from)+">"+string(to))
	})

	b.RecordOutcome(false, errkind.Transient)
	*now = now.Add(time.Minute)
	require.True(t, b.CanExecute())
	b.RecordOutcome(true, "")

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}
