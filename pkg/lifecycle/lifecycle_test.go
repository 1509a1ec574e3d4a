package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

func bootToExecuting(t *testing.T, m *Manager, agentID string) {
	t.Helper()
	m.Register(agentID)
	require.NoError(t, m.Transition(agentID, models.StateHydrating, "boot"))
	require.NoError(t, m.Transition(agentID, models.StateReady, "hydrated"))
	require.NoError(t, m.Transition(agentID, models.StateExecuting, "job"))
}

func TestHappyPathTransitions(t *testing.T) {
	m := NewManager()
	bootToExecuting(t, m, "a1")

	require.NoError(t, m.Transition("a1", models.StateDraining, "shutdown"))
	require.NoError(t, m.Transition("a1", models.StateTerminated, "drained"))
	assert.True(t, m.IsTerminal("a1"))
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewManager()
	m.Register("a1")

	err := m.Transition("a1", models.StateExecuting, "skip")
	var invalid *InvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StateBooting, invalid.From)
	assert.Equal(t, models.StateExecuting, invalid.To)
	assert.Equal(t, models.StateBooting, m.State("a1"))
}

func TestSelfTransitionInvalid(t *testing.T) {
	m := NewManager()
	m.Register("a1")

	err := m.Transition("a1", models.StateBooting, "noop")
	var invalid *InvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestTerminatedIsSink(t *testing.T) {
	m := NewManager()
	m.Register("a1")
	require.NoError(t, m.Transition("a1", models.StateTerminated, "abort"))

	for _, to := range []models.LifecycleState{
		models.StateBooting, models.StateHydrating, models.StateReady,
		models.StateExecuting, models.StateDraining,
	} {
		var invalid *InvalidTransition
		assert.ErrorAs(t, m.Transition("a1", to, "revive"), &invalid)
	}
}

func TestListenersFireOnlyOnSuccess(t *testing.T) {
	m := NewManager()
	m.Register("a1")

	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	_ = m.Transition("a1", models.StateExecuting, "invalid")
	require.Empty(t, seen)

	require.NoError(t, m.Transition("a1", models.StateHydrating, "boot complete"))
	require.Len(t, seen, 1)
	assert.Equal(t, "a1", seen[0].AgentID)
	assert.Equal(t, models.StateBooting, seen[0].From)
	assert.Equal(t, models.StateHydrating, seen[0].To)
	assert.Equal(t, "boot complete", seen[0].Reason)
	assert.False(t, seen[0].Timestamp.IsZero())
}

func TestDerivedViews(t *testing.T) {
	m := NewManager()
	m.Register("a1")

	assert.False(t, m.IsReady("a1"))
	assert.True(t, m.IsAlive("a1"))

	require.NoError(t, m.Transition("a1", models.StateHydrating, ""))
	require.NoError(t, m.Transition("a1", models.StateReady, ""))
	assert.True(t, m.IsReady("a1"))

	require.NoError(t, m.Transition("a1", models.StateExecuting, ""))
	assert.True(t, m.IsReady("a1"))

	// Unknown agents read as terminated.
	assert.True(t, m.IsTerminal("ghost"))
}

func TestSteerOnlyWhileExecuting(t *testing.T) {
	m := NewManager()
	m.Register("a1")

	_, err := m.Steer("a1", "hold on", SteerNormal)
	assert.ErrorIs(t, err, ErrNotExecuting)

	bootToExecuting(t, m, "a2")
	msg, err := m.Steer("a2", "focus on the logs", SteerNormal)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestHighPrioritySteeringJumpsQueueAndPreempts(t *testing.T) {
	m := NewManager()
	bootToExecuting(t, m, "a1")

	_, err := m.Steer("a1", "first", SteerNormal)
	require.NoError(t, err)
	_, err = m.Steer("a1", "urgent", SteerHigh)
	require.NoError(t, err)

	select {
	case <-m.Preempt("a1"):
	default:
		t.Fatal("expected preempt signal after high-priority steer")
	}

	msgs := m.PollSteering("a1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "urgent", msgs[0].Message)
	assert.Equal(t, "first", msgs[1].Message)

	assert.Empty(t, m.PollSteering("a1"))
}

func TestTerminationDropsInbox(t *testing.T) {
	m := NewManager()
	bootToExecuting(t, m, "a1")

	_, err := m.Steer("a1", "pending", SteerNormal)
	require.NoError(t, err)

	require.NoError(t, m.Transition("a1", models.StateTerminated, "kill"))
	assert.Empty(t, m.PollSteering("a1"))
}
