package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// RetryPolicy controls the backoff schedule between failed attempts.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterFraction spreads delays by ±fraction. Default 0.2.
	JitterFraction float64
}

// DefaultRetryPolicy returns the schedule used when jobs carry no
// explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      2 * time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.2,
	}
}

// Delay returns the jittered backoff before the given attempt re-runs.
// attempt is 1-based (the attempt that just failed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := p.JitterFraction
	if jitter <= 0 {
		jitter = 0.2
	}
	// Spread across [1-jitter, 1+jitter].
	factor := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// JobService is the durable job state machine. Transitions run in single
// transactions and every transition is logged to job_events.
type JobService struct {
	db     *sql.DB
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewJobService creates a job service over the shared pool.
func NewJobService(db *sql.DB, policy RetryPolicy) *JobService {
	return &JobService{
		db:     db,
		policy: policy,
		logger: slog.Default().With("component", "job-service"),
		now:    time.Now,
	}
}

const jobColumns = `id, agent_id, session_id, task_name, status, priority, attempt,
	max_attempts, timeout_seconds, payload, result, error_kind, error_message,
	checkpoint, pod_id, heartbeat_at, scheduled_for, approval_expires_at,
	created_at, started_at, completed_at`

// EnqueueInput is the caller-supplied part of a new job.
type EnqueueInput struct {
	AgentID        string
	SessionID      *string
	TaskName       string
	Priority       int
	MaxAttempts    int
	TimeoutSeconds int
	Payload        json.RawMessage
	// ScheduledFor delays the first run; zero means run immediately.
	ScheduledFor time.Time
}

// Enqueue inserts a new job in SCHEDULED state, ready for claim.
func (s *JobService) Enqueue(ctx context.Context, in EnqueueInput) (*models.Job, error) {
	if in.TaskName == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if in.MaxAttempts < 1 {
		in.MaxAttempts = 3
	}
	if in.TimeoutSeconds < 1 {
		in.TimeoutSeconds = 300
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}

	now := s.now().UTC()
	scheduledFor := in.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		AgentID:        in.AgentID,
		SessionID:      in.SessionID,
		TaskName:       in.TaskName,
		Status:         models.JobStatusScheduled,
		Priority:       in.Priority,
		MaxAttempts:    in.MaxAttempts,
		TimeoutSeconds: in.TimeoutSeconds,
		Payload:        in.Payload,
		ScheduledFor:   &scheduledFor,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, session_id, task_name, status, priority,
			max_attempts, timeout_seconds, payload, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.AgentID, job.SessionID, job.TaskName, job.Status, job.Priority,
		job.MaxAttempts, job.TimeoutSeconds, []byte(job.Payload), scheduledFor, now)
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}
	if err := logTransition(ctx, tx, job.ID, "", models.JobStatusScheduled, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing enqueue: %w", err)
	}

	s.logger.Info("Job enqueued",
		"job_id", job.ID, "task", job.TaskName, "agent_id", job.AgentID)
	return job, nil
}

// Claim atomically claims the next ready SCHEDULED job using
// FOR UPDATE SKIP LOCKED, moves it to RUNNING and stamps the claiming
// pod. Attempt is incremented at claim time.
func (s *JobService) Claim(ctx context.Context, podID string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'SCHEDULED'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("querying ready job: %w", err)
	}

	job.Status = models.JobStatusRunning
	job.Attempt++
	job.PodID = &podID
	job.HeartbeatAt = &now
	job.StartedAt = &now

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'RUNNING', attempt = $2, pod_id = $3, heartbeat_at = $4,
		    started_at = COALESCE(started_at, $4)
		WHERE id = $1`,
		job.ID, job.Attempt, podID, now)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	detail, _ := json.Marshal(map[string]any{"pod_id": podID, "attempt": job.Attempt})
	if err := logTransition(ctx, tx, job.ID, models.JobStatusScheduled, models.JobStatusRunning, detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes heartbeat_at for a running job. A job that is no
// longer RUNNING under this pod returns ErrConflict so the worker stops.
func (s *JobService) Heartbeat(ctx context.Context, jobID, podID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = $3
		WHERE id = $1 AND pod_id = $2 AND status = 'RUNNING'`,
		jobID, podID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("updating heartbeat for job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not running under pod %s: %w", jobID, podID, ErrConflict)
	}
	return nil
}

// SaveCheckpoint persists resumable state for a running job. The worker
// writes the buffer CHECKPOINT event first; the store copy is the
// fallback when the buffer copy fails its CRC.
func (s *JobService) SaveCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET checkpoint = $2 WHERE id = $1 AND status = 'RUNNING'`,
		jobID, blob)
	if err != nil {
		return fmt.Errorf("saving checkpoint for job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not running: %w", jobID, ErrConflict)
	}
	return nil
}

// Complete marks a running job COMPLETED with its result.
func (s *JobService) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting complete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED', result = $2, completed_at = $3,
		    error_kind = '', error_message = ''
		WHERE id = $1 AND status = 'RUNNING'`,
		jobID, []byte(result), now)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not running: %w", jobID, ErrInvalidTransition)
	}
	if err := logTransition(ctx, tx, jobID, models.JobStatusRunning, models.JobStatusCompleted, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing complete: %w", err)
	}
	return nil
}

// shouldRetry applies the retry rules: PERMANENT never retries, UNKNOWN
// gets a single retry, everything else retries until the attempt budget
// runs out.
func shouldRetry(kind errkind.Kind, attempt, maxAttempts int) bool {
	if !kind.Retriable() {
		return false
	}
	if kind == errkind.Unknown && attempt >= 2 {
		return false
	}
	return attempt < maxAttempts
}

// Fail records a failed attempt. Retriable kinds with attempts left go
// back to SCHEDULED under the backoff policy; PERMANENT kinds and
// exhausted jobs go to DEAD_LETTER. An UNKNOWN failure is retried once,
// then dead-lettered as PERMANENT.
func (s *JobService) Fail(ctx context.Context, jobID string, kind errkind.Kind, message string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrInvalidTransition)
	}

	now := s.now().UTC()
	job.ErrorKind = string(kind)
	job.ErrorMessage = message

	retriable := shouldRetry(kind, job.Attempt, job.MaxAttempts)
	detail, _ := json.Marshal(map[string]any{
		"attempt": job.Attempt, "error_kind": string(kind), "error": message,
	})

	if retriable {
		delay := s.policy.Delay(job.Attempt)
		next := now.Add(delay)
		job.Status = models.JobStatusScheduled
		job.ScheduledFor = &next

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'SCHEDULED', error_kind = $2, error_message = $3,
			    scheduled_for = $4, pod_id = NULL, heartbeat_at = NULL
			WHERE id = $1`,
			jobID, job.ErrorKind, job.ErrorMessage, next)
		if err != nil {
			return nil, fmt.Errorf("rescheduling job %s: %w", jobID, err)
		}
		if err := logTransition(ctx, tx, jobID, models.JobStatusRunning, models.JobStatusFailed, detail); err != nil {
			return nil, err
		}
		retryDetail, _ := json.Marshal(map[string]any{"retry_in_ms": delay.Milliseconds()})
		if err := logTransition(ctx, tx, jobID, models.JobStatusFailed, models.JobStatusScheduled, retryDetail); err != nil {
			return nil, err
		}
		s.logger.Warn("Job attempt failed, retry scheduled",
			"job_id", jobID, "attempt", job.Attempt, "error_kind", kind, "retry_in", delay)
	} else {
		if kind == errkind.Unknown && job.Attempt >= 2 {
			// The single retry an unknown failure gets is spent.
			job.ErrorKind = string(errkind.Permanent)
		}
		job.Status = models.JobStatusDeadLetter
		job.CompletedAt = &now

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'DEAD_LETTER', error_kind = $2, error_message = $3,
			    completed_at = $4, pod_id = NULL, heartbeat_at = NULL
			WHERE id = $1`,
			jobID, job.ErrorKind, job.ErrorMessage, now)
		if err != nil {
			return nil, fmt.Errorf("dead-lettering job %s: %w", jobID, err)
		}
		if err := logTransition(ctx, tx, jobID, models.JobStatusRunning, models.JobStatusFailed, detail); err != nil {
			return nil, err
		}
		if err := logTransition(ctx, tx, jobID, models.JobStatusFailed, models.JobStatusDeadLetter, nil); err != nil {
			return nil, err
		}
		s.logger.Error("Job dead-lettered",
			"job_id", jobID, "attempt", job.Attempt, "error_kind", kind, "error", message)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fail: %w", err)
	}
	return job, nil
}

// ReclaimStale moves RUNNING jobs whose heartbeat is older than the
// threshold back to SCHEDULED without consuming an attempt. Returns the
// reclaimed job ids.
func (s *JobService) ReclaimStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting reclaim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	cutoff := now.Add(-threshold)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, pod_id FROM jobs
		WHERE status = 'RUNNING' AND heartbeat_at < $1
		FOR UPDATE SKIP LOCKED`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale jobs: %w", err)
	}

	type stale struct {
		id    string
		podID sql.NullString
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.podID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning stale job: %w", err)
		}
		found = append(found, st)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("reading stale jobs: %w", err)
	}

	ids := make([]string, 0, len(found))
	for _, st := range found {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'SCHEDULED', scheduled_for = $2, pod_id = NULL, heartbeat_at = NULL
			WHERE id = $1`, st.id, now)
		if err != nil {
			return nil, fmt.Errorf("reclaiming job %s: %w", st.id, err)
		}
		detail, _ := json.Marshal(map[string]any{"reason": "stale_heartbeat", "pod_id": st.podID.String})
		if err := logTransition(ctx, tx, st.id, models.JobStatusRunning, models.JobStatusScheduled, detail); err != nil {
			return nil, err
		}
		ids = append(ids, st.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reclaim: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Warn("Reclaimed orphaned jobs", "count", len(ids), "job_ids", ids)
	}
	return ids, nil
}

// Retry resubmits a FAILED or DEAD_LETTER job with a fresh attempt
// budget.
func (s *JobService) Retry(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting retry transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	var status models.JobStatus
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if status != models.JobStatusDeadLetter && status != models.JobStatusFailed {
		return fmt.Errorf("job %s is %s: %w", jobID, status, ErrInvalidTransition)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'SCHEDULED', attempt = 0, scheduled_for = $2,
		    error_kind = '', error_message = '', completed_at = NULL
		WHERE id = $1`, jobID, now)
	if err != nil {
		return fmt.Errorf("retrying job %s: %w", jobID, err)
	}
	detail, _ := json.Marshal(map[string]any{"reason": "manual_retry"})
	if err := logTransition(ctx, tx, jobID, status, models.JobStatusScheduled, detail); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing retry: %w", err)
	}
	s.logger.Info("Job resubmitted", "job_id", jobID)
	return nil
}

// Get loads one job.
func (s *JobService) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return job, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	AgentID string
	Status  models.JobStatus
	Limit   int
}

// List returns jobs newest-first.
func (s *JobService) List(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Events returns the transition log for one job, oldest first.
func (s *JobService) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, from_state, to_state, detail, created_at
		FROM job_events WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.FromState, &ev.ToState, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning job event: %w", err)
		}
		ev.Detail = detail
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneTerminal deletes COMPLETED and DEAD_LETTER jobs older than the
// retention window. Transition logs go with them via cascade.
func (s *JobService) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'DEAD_LETTER')
		  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		sessionID    sql.NullString
		payload      []byte
		result       []byte
		checkpoint   []byte
		podID        sql.NullString
		heartbeatAt  sql.NullTime
		scheduledFor sql.NullTime
		approvalExp  sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.AgentID, &sessionID, &job.TaskName, &job.Status,
		&job.Priority, &job.Attempt, &job.MaxAttempts, &job.TimeoutSeconds,
		&payload, &result, &job.ErrorKind, &job.ErrorMessage, &checkpoint,
		&podID, &heartbeatAt, &scheduledFor, &approvalExp,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	job.Result = result
	if sessionID.Valid {
		job.SessionID = &sessionID.String
	}
	if podID.Valid {
		job.PodID = &podID.String
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		job.HeartbeatAt = &t
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time
		job.ScheduledFor = &t
	}
	if approvalExp.Valid {
		t := approvalExp.Time
		job.ApprovalExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(checkpoint) > 0 {
		var cp models.Checkpoint
		if err := json.Unmarshal(checkpoint, &cp); err == nil {
			job.Checkpoint = &cp
		}
	}
	return &job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logTransition(ctx context.Context, tx execer, jobID string, from, to models.JobStatus, detail []byte) error {
	var detailArg any
	if len(detail) > 0 {
		detailArg = detail
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_state, to_state, detail)
		VALUES ($1, $2, $3, $4)`, jobID, from, to, detailArg)
	if err != nil {
		return fmt.Errorf("logging transition %s -> %s for job %s: %w", from, to, jobID, err)
	}
	return nil
}
