package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ReviewRun is the persisted outcome of one review-chain execution,
// served on the timeline endpoint.
type ReviewRun struct {
	ID               string          `json:"id"`
	JobID            *string         `json:"job_id,omitempty"`
	AgentID          string          `json:"agent_id"`
	Passed           bool            `json:"passed"`
	Escalated        bool            `json:"escalated"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	LoopsRun         int             `json:"loops_run"`
	Records          json.RawMessage `json:"records"`
	CreatedAt        time.Time       `json:"created_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// ReviewService persists review-chain runs.
type ReviewService struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewReviewService creates a review service.
func NewReviewService(db *sql.DB) *ReviewService {
	return &ReviewService{
		db:     db,
		logger: slog.Default().With("component", "review-service"),
		now:    time.Now,
	}
}

// SaveRun stores a finished run and returns its id.
func (s *ReviewService) SaveRun(ctx context.Context, run ReviewRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if len(run.Records) == 0 {
		run.Records = json.RawMessage(`[]`)
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_runs (id, job_id, agent_id, passed, escalated,
			escalation_reason, loops_run, records, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		run.ID, run.JobID, run.AgentID, run.Passed, run.Escalated,
		run.EscalationReason, run.LoopsRun, []byte(run.Records), now)
	if err != nil {
		return "", fmt.Errorf("saving review run: %w", err)
	}

	s.logger.Info("Review run saved",
		"run_id", run.ID, "passed", run.Passed, "escalated", run.Escalated, "loops", run.LoopsRun)
	return run.ID, nil
}

// GetRun loads one run for the timeline endpoint.
func (s *ReviewService) GetRun(ctx context.Context, runID string) (*ReviewRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, agent_id, passed, escalated, escalation_reason,
			loops_run, records, created_at, finished_at
		FROM review_runs WHERE id = $1`, runID)

	var (
		run        ReviewRun
		jobID      sql.NullString
		records    []byte
		finishedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &jobID, &run.AgentID, &run.Passed, &run.Escalated,
		&run.EscalationReason, &run.LoopsRun, &records, &run.CreatedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("review run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading review run %s: %w", runID, err)
	}
	if jobID.Valid {
		run.JobID = &jobID.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	run.Records = records
	return &run, nil
}
