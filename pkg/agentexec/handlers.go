package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/memory"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// defaultExtractWindow is the trailing message count for memory extraction
// when the payload does not set one.
const defaultExtractWindow = 40

// extractionSystemPrompt frames the extraction request for the LLM.
const extractionSystemPrompt = `Extract durable facts, preferences, events and system rules from the conversation below. Return a JSON array of memory objects.`

// SessionReader loads sessions and their transcripts for the sweep handlers.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error)
}

// ApprovalExpirer sweeps pending approvals past their deadline.
type ApprovalExpirer interface {
	ExpirePending(ctx context.Context) (int, error)
}

// SignalSource feeds the cross-source correlation sweep.
type SignalSource interface {
	RecentSignals(ctx context.Context) ([]memory.Signal, error)
}

// Sweeps holds the periodic maintenance handlers: memory extraction,
// approval expiry, correction clustering and proactive detection. Any
// dependency may be nil; its handler then reports a permanent error.
type Sweeps struct {
	sessions SessionReader
	pipeline *memory.Pipeline
	gate     ApprovalExpirer
	signals  SignalSource
	logger   *slog.Logger
}

// NewSweeps wires the sweep handlers.
func NewSweeps(sessions SessionReader, pipeline *memory.Pipeline, gate ApprovalExpirer, signals SignalSource) *Sweeps {
	return &Sweeps{
		sessions: sessions,
		pipeline: pipeline,
		gate:     gate,
		signals:  signals,
		logger:   slog.Default().With("component", "sweeps"),
	}
}

// ExtractMemories runs the extraction pipeline over a session's trailing
// transcript window.
func (s *Sweeps) ExtractMemories(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if s.sessions == nil || s.pipeline == nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("memory extraction is not configured"))
	}
	var payload models.MemoryExtractPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("decoding extract payload: %w", err))
	}

	session, err := s.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", payload.SessionID, err)
	}

	window := payload.WindowSize
	if window <= 0 {
		window = defaultExtractWindow
	}
	history, err := s.sessions.History(ctx, payload.SessionID, window)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}
	if len(history) == 0 {
		return mustJSON(memory.Summary{}), nil
	}

	summary, err := s.pipeline.Run(ctx, session.AgentID, extractionSystemPrompt, renderTranscript(history))
	if err != nil {
		return nil, err
	}
	s.logger.Info("Memory extraction finished",
		"session_id", payload.SessionID, "agent_id", session.AgentID,
		"extracted", summary.Extracted, "inserted", summary.Inserted,
		"deduped", summary.Deduped, "superseded", summary.Superseded)
	return mustJSON(summary), nil
}

// ExpireApprovals moves overdue pending approvals to EXPIRED.
func (s *Sweeps) ExpireApprovals(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if s.gate == nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("approval gate is not configured"))
	}
	expired, err := s.gate.ExpirePending(ctx)
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		s.logger.Info("Expired pending approvals", "count", expired)
	}
	return mustJSON(map[string]int{"expired": expired}), nil
}

// StrengthenCorrections clusters an agent's stored memories into
// correction proposals.
func (s *Sweeps) StrengthenCorrections(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if s.pipeline == nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("memory pipeline is not configured"))
	}
	var payload models.CorrectionStrengthenPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("decoding strengthen payload: %w", err))
	}

	clusters, err := s.pipeline.FindClusters(ctx, job.AgentID, memory.ClusterConfig{
		SimilarityThreshold: payload.SimilarityThreshold,
		MinClusterSize:      payload.MinClusterSize,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Correction clustering finished",
		"agent_id", job.AgentID, "clusters", len(clusters))
	return mustJSON(map[string]any{"clusters": clusters}), nil
}

// DetectCrossSignals correlates recent signals across sources.
func (s *Sweeps) DetectCrossSignals(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if s.signals == nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("signal source is not configured"))
	}
	var payload models.ProactiveDetectPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("decoding detect payload: %w", err))
	}

	signals, err := s.signals.RecentSignals(ctx)
	if err != nil {
		return nil, err
	}
	matches := memory.Correlate(signals, payload.MinOverlap)
	if len(matches) > 0 {
		s.logger.Info("Cross-signal correlations found",
			"signals", len(signals), "matches", len(matches))
	}
	return mustJSON(map[string]any{"crossSignals": matches}), nil
}

func renderTranscript(history []models.SessionMessage) string {
	var b strings.Builder
	for _, msg := range history {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
