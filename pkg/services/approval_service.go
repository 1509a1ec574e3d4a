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

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// ApprovalService persists human-in-the-loop approval requests. Exactly
// one decision is ever recorded per request; late decisions surface as
// ErrConflict and decisions on expired requests as ErrExpired.
type ApprovalService struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewApprovalService creates an approval service.
func NewApprovalService(db *sql.DB) *ApprovalService {
	return &ApprovalService{
		db:     db,
		logger: slog.Default().With("component", "approval-service"),
		now:    time.Now,
	}
}

const approvalColumns = `id, job_id, agent_id, summary, detail, risk, status,
	decision_by, decision_note, notifications, created_at, expires_at, decided_at`

// CreateInput is the caller-supplied part of a new approval request.
type CreateInput struct {
	JobID   string
	AgentID string
	Summary string
	Detail  string
	Risk    models.RiskLevel
	TTL     time.Duration
}

// Create inserts a PENDING approval request.
func (s *ApprovalService) Create(ctx context.Context, in CreateInput) (*models.ApprovalRequest, error) {
	if in.TTL <= 0 {
		in.TTL = time.Hour
	}
	if in.Risk == "" {
		in.Risk = models.RiskLow
	}

	now := s.now().UTC()
	req := &models.ApprovalRequest{
		ID:        uuid.New().String(),
		JobID:     in.JobID,
		AgentID:   in.AgentID,
		Summary:   in.Summary,
		Detail:    in.Detail,
		Risk:      in.Risk,
		Status:    models.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(in.TTL),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, job_id, agent_id, summary, detail, risk, status,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8)`,
		req.ID, req.JobID, req.AgentID, req.Summary, req.Detail, req.Risk,
		req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	s.logger.Info("Approval request created",
		"approval_id", req.ID, "job_id", req.JobID, "risk", req.Risk, "expires_at", req.ExpiresAt)
	return req, nil
}

// Get loads one approval request.
func (s *ApprovalService) Get(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, approvalID)
	req, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading approval %s: %w", approvalID, err)
	}
	return req, nil
}

// RecordNotification appends a delivery record (channel + tokens) to a
// pending request.
func (s *ApprovalService) RecordNotification(ctx context.Context, approvalID string, n models.ApprovalNotification) error {
	blob, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET notifications = notifications || $2::jsonb
		WHERE id = $1 AND status = 'PENDING'`, approvalID, blob)
	if err != nil {
		return fmt.Errorf("recording notification for approval %s: %w", approvalID, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return fmt.Errorf("approval %s not pending: %w", approvalID, ErrConflict)
	}
	return nil
}

// Decide records the single decision for a pending request. A request
// past its expiry returns ErrExpired even if the sweeper has not marked
// it yet; a request already decided returns ErrConflict.
func (s *ApprovalService) Decide(ctx context.Context, approvalID string, decision models.ApprovalStatus, decidedBy, note string) (*models.ApprovalRequest, error) {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return nil, fmt.Errorf("decision must be APPROVED or REJECTED, got %q", decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting decide transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE id = $1 FOR UPDATE`, approvalID)
	req, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading approval %s: %w", approvalID, err)
	}

	now := s.now().UTC()
	switch {
	case req.Status == models.ApprovalExpired:
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrExpired)
	case req.Status != models.ApprovalPending:
		return nil, fmt.Errorf("approval %s already %s: %w", approvalID, req.Status, ErrConflict)
	case !req.ExpiresAt.After(now):
		_, err = tx.ExecContext(ctx, `
			UPDATE approvals SET status = 'EXPIRED', decided_at = $2 WHERE id = $1`,
			approvalID, now)
		if err != nil {
			return nil, fmt.Errorf("expiring approval %s: %w", approvalID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing expiry: %w", err)
		}
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrExpired)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, decision_by = $3, decision_note = $4, decided_at = $5
		WHERE id = $1`,
		approvalID, decision, decidedBy, note, now)
	if err != nil {
		return nil, fmt.Errorf("deciding approval %s: %w", approvalID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}

	req.Status = decision
	req.DecisionBy = decidedBy
	req.DecisionNote = note
	req.DecidedAt = &now

	s.logger.Info("Approval decided",
		"approval_id", approvalID, "decision", decision, "decided_by", decidedBy)
	return req, nil
}

// ExpirePending marks pending requests past their expiry as EXPIRED and
// returns them so the caller can fail the gated jobs.
func (s *ApprovalService) ExpirePending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE approvals SET status = 'EXPIRED', decided_at = $1
		WHERE status = 'PENDING' AND expires_at <= $1
		RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, fmt.Errorf("expiring approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired approval: %w", err)
		}
		expired = append(expired, req)
	}
	if len(expired) > 0 {
		s.logger.Info("Expired pending approvals", "count", len(expired))
	}
	return expired, rows.Err()
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		req           models.ApprovalRequest
		notifications []byte
		decidedAt     sql.NullTime
	)
	err := row.Scan(&req.ID, &req.JobID, &req.AgentID, &req.Summary, &req.Detail,
		&req.Risk, &req.Status, &req.DecisionBy, &req.DecisionNote, &notifications,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if len(notifications) > 0 {
		_ = json.Unmarshal(notifications, &req.Notifications)
	}
	return &req, nil
}
