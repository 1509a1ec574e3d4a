package models

import (
	"encoding/json"
	"fmt"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

// Payload type tags. The job payload is stored as an opaque JSON blob and
// decoded into a concrete request type keyed by the "type" field.
const (
	PayloadChatResponse         = "CHAT_RESPONSE"
	PayloadMemoryExtract        = "MEMORY_EXTRACT"
	PayloadApprovalExpire       = "APPROVAL_EXPIRE"
	PayloadCorrectionStrengthen = "CORRECTION_STRENGTHEN"
	PayloadProactiveDetect      = "PROACTIVE_DETECT"
)

// ChatResponsePayload asks an agent to answer a chat message.
type ChatResponsePayload struct {
	Type                string           `json:"type"`
	Prompt              string           `json:"prompt"`
	ConversationHistory []SessionMessage `json:"conversationHistory,omitempty"`
	GoalType            string           `json:"goalType,omitempty"`
	// Skills optionally pins the skill selection for this request.
	Skills []string `json:"skills,omitempty"`
	// NonIdempotent marks effects that must not be repeated on checkpoint replay.
	NonIdempotent bool `json:"nonIdempotent,omitempty"`
}

// MemoryExtractPayload triggers memory extraction over a session window.
type MemoryExtractPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	// WindowSize is the number of trailing messages to extract from.
	WindowSize int `json:"windowSize,omitempty"`
}

// ApprovalExpirePayload sweeps pending approvals past their deadline.
type ApprovalExpirePayload struct {
	Type string `json:"type"`
}

// CorrectionStrengthenPayload clusters feedback entries into correction proposals.
type CorrectionStrengthenPayload struct {
	Type                string  `json:"type"`
	SimilarityThreshold float64 `json:"similarityThreshold,omitempty"`
	MinClusterSize      int     `json:"minClusterSize,omitempty"`
}

// ProactiveDetectPayload correlates signals across sources.
type ProactiveDetectPayload struct {
	Type       string `json:"type"`
	MinOverlap int    `json:"minOverlap,omitempty"`
}

// DecodePayload decodes an opaque payload blob into its concrete request
// type. Unknown tags classify as Permanent so the worker dead-letters the
// job instead of retrying.
func DecodePayload(raw json.RawMessage) (any, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("decoding payload tag: %w", err))
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, errkind.New(errkind.Permanent, fmt.Errorf("decoding %s payload: %w", tag.Type, err))
		}
		return v, nil
	}

	switch tag.Type {
	case PayloadChatResponse:
		return decode(&ChatResponsePayload{})
	case PayloadMemoryExtract:
		return decode(&MemoryExtractPayload{})
	case PayloadApprovalExpire:
		return decode(&ApprovalExpirePayload{})
	case PayloadCorrectionStrengthen:
		return decode(&CorrectionStrengthenPayload{})
	case PayloadProactiveDetect:
		return decode(&ProactiveDetectPayload{})
	default:
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("unknown payload type %q", tag.Type))
	}
}
