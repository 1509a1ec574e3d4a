package models

import "time"

// LifecycleState is an agent's position in its lifecycle state machine.
type LifecycleState string

// Lifecycle states. Terminated is the only terminal state; agents are
// created in Booting.
const (
	StateBooting    LifecycleState = "BOOTING"
	StateHydrating  LifecycleState = "HYDRATING"
	StateReady      LifecycleState = "READY"
	StateExecuting  LifecycleState = "EXECUTING"
	StateDraining   LifecycleState = "DRAINING"
	StateTerminated LifecycleState = "TERMINATED"
)

// ResourceLimits is a bag of numeric caps applied per agent.
type ResourceLimits struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`
	MaxMemoryRecords  int `json:"max_memory_records,omitempty"`
	// SkillTokenBudget caps estimated skill tokens injected per request.
	SkillTokenBudget int `json:"skill_token_budget,omitempty"`
}

// Agent is a managed autonomous agent.
type Agent struct {
	ID             string         `json:"id"`
	Slug           string         `json:"slug"`
	DisplayName    string         `json:"display_name"`
	Description    string         `json:"description,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ChannelBinding routes messages on (channel_type, chat_id) to an agent.
type ChannelBinding struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	ChannelType string    `json:"channel_type"`
	ChatID      string    `json:"chat_id"`
	// Default marks this binding as the channel-wide fallback (empty ChatID).
	Default   bool      `json:"default"`
	CreatedAt time.Time `json:"created_at"`
}
