// Package buffer provides the durable, append-only, per-job execution log.
// Each job owns a directory of session-NNN.jsonl files; a single process
// writes each file (single-writer invariant) and recovery replays from the
// last checkpoint.
package buffer

import (
	"encoding/json"
	"hash/crc32"
	"time"
)

// SchemaVersion is written into every event line.
const SchemaVersion = 1

// EventType identifies what happened at one point of a job's execution.
type EventType string

// Buffer event types.
const (
	EventSessionStart     EventType = "SESSION_START"
	EventSessionEnd       EventType = "SESSION_END"
	EventLLMRequest       EventType = "LLM_REQUEST"
	EventLLMResponse      EventType = "LLM_RESPONSE"
	EventToolCall         EventType = "TOOL_CALL"
	EventToolResult       EventType = "TOOL_RESULT"
	EventCheckpoint       EventType = "CHECKPOINT"
	EventError            EventType = "ERROR"
	EventSteering         EventType = "STEERING"
	EventApprovalRequest  EventType = "APPROVAL_REQUEST"
	EventApprovalDecision EventType = "APPROVAL_DECISION"
)

// Event is one append-only record in a job-session file. Sequence starts
// at 0 and is contiguous within a session file.
type Event struct {
	SchemaVersion int             `json:"schema_version"`
	Timestamp     string          `json:"timestamp"`
	JobID         string          `json:"job_id"`
	SessionID     string          `json:"session_id"`
	AgentID       string          `json:"agent_id"`
	Sequence      int             `json:"sequence"`
	Type          EventType       `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	CRC           *uint32         `json:"crc,omitempty"`
}

// NewEvent builds an event with the current timestamp and a CRC32 of data.
// Sequence is assigned by the writer on Append.
func NewEvent(jobID, sessionID, agentID string, typ EventType, data json.RawMessage) Event {
	ev := Event{
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		JobID:         jobID,
		SessionID:     sessionID,
		AgentID:       agentID,
		Type:          typ,
		Data:          data,
	}
	if len(data) > 0 {
		crc := crc32.ChecksumIEEE(data)
		ev.CRC = &crc
	}
	return ev
}

// CRCValid reports whether the event's recorded CRC matches its data.
// Events without a CRC are considered valid.
func (e *Event) CRCValid() bool {
	if e.CRC == nil {
		return true
	}
	return crc32.ChecksumIEEE(e.Data) == *e.CRC
}
