// Package lifecycle implements the per-agent state machine and the
// steering inbox consumed by running job handlers.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// InvalidTransition is returned when a transition is not in the allowed
// set. State is left unchanged.
type InvalidTransition struct {
	From models.LifecycleState
	To   models.LifecycleState
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

// allowed is the complete transition set. Self-transitions are invalid.
var allowed = map[models.LifecycleState][]models.LifecycleState{
	models.StateBooting:    {models.StateHydrating, models.StateTerminated},
	models.StateHydrating:  {models.StateReady, models.StateTerminated},
	models.StateReady:      {models.StateExecuting, models.StateDraining},
	models.StateExecuting:  {models.StateDraining, models.StateTerminated},
	models.StateDraining:   {models.StateTerminated},
	models.StateTerminated: nil,
}

func transitionAllowed(from, to models.LifecycleState) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is delivered to OnTransition listeners after a successful
// state change.
type Transition struct {
	AgentID   string                `json:"agent_id"`
	From      models.LifecycleState `json:"from"`
	To        models.LifecycleState `json:"to"`
	Reason    string                `json:"reason,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// SteeringPriority orders steering messages.
type SteeringPriority string

const (
	SteerNormal SteeringPriority = "normal"
	SteerHigh   SteeringPriority = "high"
)

// SteeringMessage is one operator instruction injected into a running
// job at the next poll point.
type SteeringMessage struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	Message   string           `json:"message"`
	Priority  SteeringPriority `json:"priority"`
	Timestamp time.Time        `json:"timestamp"`
}

type agentEntry struct {
	state   models.LifecycleState
	inbox   []SteeringMessage
	preempt chan struct{}
}

// Manager tracks lifecycle state and steering inboxes for all agents.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	agents    map[string]*agentEntry
	listeners []func(Transition)
}

// NewManager creates an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{
		logger: slog.Default().With("component", "lifecycle"),
		agents: make(map[string]*agentEntry),
	}
}

// Register adds an agent in BOOTING state. Re-registering an existing
// agent is a no-op.
func (m *Manager) Register(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; ok {
		return
	}
	m.agents[agentID] = &agentEntry{
		state:   models.StateBooting,
		preempt: make(chan struct{}, 1),
	}
}

// State returns the agent's current state. Unknown agents report
// TERMINATED.
func (m *Manager) State(agentID string) models.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[agentID]; ok {
		return e.state
	}
	return models.StateTerminated
}

// IsReady reports whether the agent can accept work.
func (m *Manager) IsReady(agentID string) bool {
	s := m.State(agentID)
	return s == models.StateReady || s == models.StateExecuting
}

// IsAlive reports whether the agent has not terminated.
func (m *Manager) IsAlive(agentID string) bool {
	return m.State(agentID) != models.StateTerminated
}

// IsTerminal reports whether the agent has terminated.
func (m *Manager) IsTerminal(agentID string) bool {
	return m.State(agentID) == models.StateTerminated
}

// OnTransition registers a listener invoked after every successful
// transition. Register listeners before agents start transitioning.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition moves an agent to a new state. Invalid transitions fail
// with *InvalidTransition and leave state unchanged; listeners fire only
// on success. Terminating an agent drops its steering inbox.
func (m *Manager) Transition(agentID string, to models.LifecycleState, reason string) error {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown agent %s", agentID)
	}
	from := e.state
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		return &InvalidTransition{From: from, To: to}
	}
	e.state = to
	if to == models.StateTerminated {
		e.inbox = nil
	}
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	t := Transition{
		AgentID:   agentID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.logger.Info("Agent lifecycle transition",
		"agent_id", agentID, "from", from, "to", to, "reason", reason)
	for _, fn := range listeners {
		fn(t)
	}
	return nil
}

// Steer enqueues a steering message. Valid only while EXECUTING. High
// priority messages jump the queue and raise the preempt signal, which
// cancels the current tool call.
func (m *Manager) Steer(agentID, message string, priority SteeringPriority) (*SteeringMessage, error) {
	if priority == "" {
		priority = SteerNormal
	}
	if priority != SteerNormal && priority != SteerHigh {
		return nil, fmt.Errorf("invalid steering priority %q", priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok || e.state != models.StateExecuting {
		state := models.StateTerminated
		if ok {
			state = e.state
		}
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, state, ErrNotExecuting)
	}

	msg := SteeringMessage{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Message:   message,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}

	if priority == SteerHigh {
		e.inbox = append([]SteeringMessage{msg}, e.inbox...)
		select {
		case e.preempt <- struct{}{}:
		default:
		}
	} else {
		e.inbox = append(e.inbox, msg)
	}
	return &msg, nil
}

// PollSteering drains the agent's inbox, high priority first.
func (m *Manager) PollSteering(agentID string) []SteeringMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok || len(e.inbox) == 0 {
		return nil
	}
	msgs := e.inbox
	e.inbox = nil
	// Drain any stale preempt signal along with the messages.
	select {
	case <-e.preempt:
	default:
	}
	return msgs
}

// Preempt returns the channel signalled by high-priority steering. Job
// handlers select on it during tool calls.
func (m *Manager) Preempt(agentID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[agentID]; ok {
		return e.preempt
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}
