// Package models contains the durable domain entities and their status enums.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the durable state of a job.
type JobStatus string

// Job status values. Completed and DeadLetter are terminal sinks.
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusScheduled  JobStatus = "SCHEDULED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

/// Terminal reports whether the status is a sink: no transition leaves it.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// Checkpoint is an opaque resumable-state blob with a CRC32 of State.
type Checkpoint struct {
	State json.RawMessage `json:"state"`
	CRC   uint32          `json:"crc"`
}

// Job is the durable unit of agent work.
type Job struct {
	ID                string          `json:"id"`
	AgentID           string          `json:"agent_id"`
	SessionID         *string         `json:"session_id,omitempty"`
	TaskName          string          `json:"task_name"`
	Status            JobStatus       `json:"status"`
	Priority          int             `json:"priority"`
	Attempt           int             `json:"attempt"`
	MaxAttempts       int             `json:"max_attempts"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	Payload           json.RawMessage `json:"payload"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorKind         string          `json:"error_kind,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Checkpoint        *Checkpoint     `json:"checkpoint,omitempty"`
	PodID             *string         `json:"pod_id,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty"`
	ApprovalExpiresAt *time.Time      `json:"approval_expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// JobEvent is one row of the per-job transition log.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	FromState JobStatus       `json:"from_state"`
	ToState   JobStatus       `json:"to_state"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
