// Package provider implements the backend registry and priority router:
// execution backends behind per-provider circuit breakers, WIP limits and
// routing-event auditing.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoBackendAvailable is returned when no provider can be selected.
var ErrNoBackendAvailable = errors.New("no_backend_available")

// Task is one unit of work routed to a backend.
type Task struct {
	JobID   string          `json:"job_id"`
	AgentID string          `json:"agent_id"`
	Kind    string          `json:"kind"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Result is a backend's response to a Task.
type Result struct {
	Output       json.RawMessage `json:"output,omitempty"`
	Model        string          `json:"model,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
}

/// Backend is an execution provider: an LLM endpoint, a browser-automation
// sidecar, a sandbox. Execute must respect ctx deadlines; Healthy reports
// reachability for the registry's cached health.
type Backend interface {
	ID() string
	Execute(ctx context.Context, task Task) (*Result, error)
	Healthy(ctx context.Context) error
}

// Routing event types emitted on the registry's subscription channel.
const (
	RouteSelected  = "route_selected"
	RouteSkipped   = "route_skipped"
	RouteFailover  = "route_failover"
	RouteExhausted = "route_exhausted"
)

// Skip reasons attached to route_skipped events.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonProbeCapacity = "probe_capacity"
	ReasonWIPLimit      = "wip_limit"
)

// RouteEvent is one routing decision, published to subscribers for
// metrics and audit.
type RouteEvent struct {
	Type       string    `json:"type"`
	ProviderID string    `json:"provider_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
