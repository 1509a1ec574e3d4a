package models

import "time"

// SessionStatus is the state of a conversational session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// MessageRole identifies the author of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Session is a conversational thread between a user and an agent on one
// channel. At most one active session exists per (agent, user, channel).
type Session struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	UserAccountID string        `json:"user_account_id"`
	ChannelID     string        `json:"channel_id"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// SessionMessage is one ordered entry of a session transcript.
type SessionMessage struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
