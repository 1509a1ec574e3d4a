package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// scriptDB is an in-process database/sql driver scripted per statement.
// Each expected statement matches by substring and supplies either rows
// or an exec result, so the service's SQL and transition logic run
// against a real *sql.DB without a server.
type scriptDB struct {
	mu    sync.Mutex
	steps []scriptStep
	log   []string
}

type scriptStep struct {
	contains string
	columns  []string
	rows     [][]driver.Value
	affected int64
	err      error
}

func (s *scriptDB) expect(step scriptStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *scriptDB) next(query string) (scriptStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, query)
	if len(s.steps) == 0 {
		return scriptStep{}, fmt.Errorf("unexpected statement: %s", query)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if !strings.Contains(query, step.contains) {
		return scriptStep{}, fmt.Errorf("statement %q does not contain %q", query, step.contains)
	}
	return step, nil
}

// executed returns the first logged statement containing the fragment.
func (s *scriptDB) executed(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.log {
		if strings.Contains(q, fragment) {
			return q
		}
	}
	return ""
}

type scriptConnector struct{ db *scriptDB }

func (c scriptConnector) Connect(context.Context) (driver.Conn, error) {
	return &scriptConn{db: c.db}, nil
}
func (c scriptConnector) Driver() driver.Driver { return nil }

type scriptConn struct{ db *scriptDB }

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not scripted: %s", query)
}
func (c *scriptConn) Close() error              { return nil }
func (c *scriptConn) Begin() (driver.Tx, error) { return scriptTx{}, nil }

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return scriptTx{}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	step, err := c.db.next(query)
	if err != nil {
		return nil, err
	}
	if step.err != nil {
		return nil, step.err
	}
	return driver.RowsAffected(step.affected), nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	step, err := c.db.next(query)
	if err != nil {
		return nil, err
	}
	if step.err != nil {
		return nil, step.err
	}
	return &scriptRows{columns: step.columns, rows: step.rows}, nil
}

type scriptTx struct{}

func (scriptTx) Commit() error   { return nil }
func (scriptTx) Rollback() error { return nil }

type scriptRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

var jobCols = []string{
	"id", "agent_id", "session_id", "task_name", "status", "priority", "attempt",
	"max_attempts", "timeout_seconds", "payload", "result", "error_kind", "error_message",
	"checkpoint", "pod_id", "heartbeat_at", "scheduled_for", "approval_expires_at",
	"created_at", "started_at", "completed_at",
}

var testClock = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func jobRowValues(id string, status models.JobStatus, attempt, maxAttempts int) []driver.Value {
	return []driver.Value{
		id, "agent-1", nil, "CHAT_RESPONSE", string(status), int64(0), int64(attempt),
		int64(maxAttempts), int64(300), []byte(`{}`), nil, "", "",
		nil, nil, nil, nil, nil,
		testClock.Add(-time.Hour), nil, nil,
	}
}

func newScriptedJobService(t *testing.T) (*scriptDB, *JobService) {
	t.Helper()
	script := &scriptDB{}
	db := sql.OpenDB(scriptConnector{db: script})
	t.Cleanup(func() { _ = db.Close() })
	svc := NewJobService(db, DefaultRetryPolicy())
	svc.now = func() time.Time { return testClock }
	return script, svc
}

func TestClaim_MovesScheduledJobToRunning(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE SKIP LOCKED",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusScheduled, 0, 3)},
	})
	script.expect(scriptStep{contains: "SET status = 'RUNNING'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err := svc.Claim(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.PodID)
	assert.Equal(t, "pod-1", *job.PodID)
	require.NotNil(t, job.HeartbeatAt)

	// Claim exclusivity is delegated to row locking: concurrent pollers
	// skip rows another transaction holds.
	assert.Contains(t, script.executed("SELECT"), "FOR UPDATE SKIP LOCKED")
}

func TestClaim_EmptyQueue(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{contains: "FOR UPDATE SKIP LOCKED", columns: jobCols})

	_, err := svc.Claim(context.Background(), "pod-1")
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestFail_RetriableReschedulesWithBackoff(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusRunning, 1, 3)},
	})
	script.expect(scriptStep{contains: "SET status = 'SCHEDULED'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err := svc.Fail(context.Background(), "j1", errkind.Transient, "connection reset")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, job.Status)
	require.NotNil(t, job.ScheduledFor)
	assert.True(t, job.ScheduledFor.After(testClock))
}

func TestFail_ExhaustedAttemptsDeadLetters(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusRunning, 3, 3)},
	})
	script.expect(scriptStep{contains: "SET status = 'DEAD_LETTER'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err := svc.Fail(context.Background(), "j1", errkind.Transient, "still down")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLetter, job.Status)
}

func TestFail_PermanentDeadLettersImmediately(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusRunning, 1, 3)},
	})
	script.expect(scriptStep{contains: "SET status = 'DEAD_LETTER'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err := svc.Fail(context.Background(), "j1", errkind.Permanent, "schema validation")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLetter, job.Status)
}

func TestFail_UnknownRetriedOnceThenPermanent(t *testing.T) {
	// First unknown failure: retried like any transient fault.
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusRunning, 1, 5)},
	})
	script.expect(scriptStep{contains: "SET status = 'SCHEDULED'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err := svc.Fail(context.Background(), "j1", errkind.Unknown, "wat")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, job.Status)

	// Second unknown failure dead-letters despite the remaining attempt
	// budget, and is recorded as permanent.
	script, svc = newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusRunning, 2, 5)},
	})
	script.expect(scriptStep{contains: "SET status = 'DEAD_LETTER'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	job, err = svc.Fail(context.Background(), "j1", errkind.Unknown, "wat again")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLetter, job.Status)
	assert.Equal(t, string(errkind.Permanent), job.ErrorKind)
}

func TestFail_NonRunningJobIsConflict(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "FOR UPDATE",
		columns:  jobCols,
		rows:     [][]driver.Value{jobRowValues("j1", models.JobStatusCompleted, 1, 3)},
	})

	_, err := svc.Fail(context.Background(), "j1", errkind.Transient, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReclaimStale_KeepsAttemptUnchanged(t *testing.T) {
	script, svc := newScriptedJobService(t)
	script.expect(scriptStep{
		contains: "heartbeat_at <",
		columns:  []string{"id", "pod_id"},
		rows:     [][]driver.Value{{"j1", "pod-dead"}},
	})
	script.expect(scriptStep{contains: "SET status = 'SCHEDULED'", affected: 1})
	script.expect(scriptStep{contains: "INSERT INTO job_events", affected: 1})

	ids, err := svc.ReclaimStale(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)

	// Reclaim never consumes an attempt: the update touches status and
	// lease columns only.
	reclaim := script.executed("SET status = 'SCHEDULED'")
	require.NotEmpty(t, reclaim)
	assert.NotContains(t, reclaim, "attempt")
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name     string
		kind     errkind.Kind
		attempt  int
		max      int
		expected bool
	}{
		{"transient with budget", errkind.Transient, 1, 3, true},
		{"transient exhausted", errkind.Transient, 3, 3, false},
		{"timeout with budget", errkind.Timeout, 2, 3, true},
		{"resource with budget", errkind.Resource, 2, 3, true},
		{"permanent never", errkind.Permanent, 1, 3, false},
		{"unknown first failure", errkind.Unknown, 1, 5, true},
		{"unknown second failure", errkind.Unknown, 2, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldRetry(tt.kind, tt.attempt, tt.max))
		})
	}
}
