package models

import "time"

// ApprovalStatus is the state of a human-in-the-loop approval request.
type ApprovalStatus string

// Approval statuses. Approved, Rejected and Expired are terminal sinks;
// exactly one decision is ever recorded.
const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Terminal reports whether the status is a sink.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// RiskLevel grades the sensitivity of the gated action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskCritical RiskLevel = "CRITICAL"
)

// ApprovalNotification records the delivery of an approval prompt on one
// channel together with its HMAC-bound callback tokens.
type ApprovalNotification struct {
	ChannelType  string    `json:"channel_type"`
	ChatID       string    `json:"chat_id"`
	ApproveToken string    `json:"approve_token"`
	RejectToken  string    `json:"reject_token"`
	SentAt       time.Time `json:"sent_at"`
}

// ApprovalRequest gates a sensitive action behind a human decision.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	JobID         string                 `json:"job_id"`
	AgentID       string                 `json:"agent_id"`
	Summary       string                 `json:"summary"`
	Detail        string                 `json:"detail,omitempty"`
	Risk          RiskLevel              `json:"risk"`
	Status        ApprovalStatus         `json:"status"`
	DecisionBy    string                 `json:"decision_by,omitempty"`
	DecisionNote  string                 `json:"decision_note,omitempty"`
	Notifications []ApprovalNotification `json:"notifications,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	DecidedAt     *time.Time             `json:"decided_at,omitempty"`
}
