package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	jobs     *services.JobService
	config   Config
	handlers map[string]Handler
	hub      *stream.Hub
	pool     jobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// jobRegistry is the subset of Pool used by Worker for cancellation
// registration.
type jobRegistry interface {
	registerJob(jobID string, cancel context.CancelFunc)
	unregisterJob(jobID string)
}

// newWorker creates a queue worker. hub may be nil (streaming disabled).
func newWorker(id, podID string, jobs *services.JobService, cfg Config, handlers map[string]Handler, hub *stream.Hub, pool jobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		jobs:         jobs,
		config:       cfg,
		handlers:     handlers,
		hub:          hub,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. It is safe
// to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, services.ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// pollInterval returns the poll interval with jitter applied.
func (w *Worker) pollInterval() time.Duration {
	if w.config.PollIntervalJitter <= 0 {
		return w.config.PollInterval
	}
	jitter := time.Duration(rand.Int64N(int64(2*w.config.PollIntervalJitter))) - w.config.PollIntervalJitter
	return w.config.PollInterval + jitter
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and runs it to a terminal or retryable
// outcome.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.jobs.Claim(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "task", job.TaskName, "worker_id", w.id)
	log.Info("Job claimed", "attempt", job.Attempt)

	w.publishStatus(job, models.JobStatusRunning)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	// Register cancel function for API-triggered cancellation.
	w.pool.registerJob(job.ID, cancelJob)
	defer w.pool.unregisterJob(job.ID)

	// Heartbeat until the job finishes. A heartbeat conflict means the
	// job was reclaimed; cancel so the other run owns it alone.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runHeartbeat(heartbeatCtx, job.ID, cancelJob)
	}()

	result, execErr := w.dispatch(jobCtx, job)
	cancelHeartbeat()

	// Terminal updates run on a background context: the job ctx may
	// already be cancelled.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinish()

	if execErr == nil {
		if err := w.jobs.Complete(finishCtx, job.ID, result); err != nil {
			log.Error("Failed to record job completion", "error", err)
			return err
		}
		job.Status = models.JobStatusCompleted
		w.publishStatus(job, models.JobStatusCompleted)
		w.bumpProcessed()
		log.Info("Job completed")
		return nil
	}

	kind := classifyExecError(jobCtx, execErr)
	failed, err := w.jobs.Fail(finishCtx, job.ID, kind, execErr.Error())
	if err != nil {
		log.Error("Failed to record job failure", "error", err)
		return err
	}
	w.publishStatus(failed, failed.Status)
	w.bumpProcessed()
	log.Warn("Job attempt failed",
		"error_kind", kind, "status", failed.Status, "error", execErr)
	return nil
}

// dispatch routes the job to its registered handler.
func (w *Worker) dispatch(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	handler, ok := w.handlers[job.TaskName]
	if !ok {
		return nil, errkind.New(errkind.Permanent,
			fmt.Errorf("%w: %s", ErrUnknownTask, job.TaskName))
	}
	return handler.Execute(ctx, job)
}

// classifyExecError maps a handler error to an error kind, folding in
// the job-level timeout.
func classifyExecError(jobCtx context.Context, execErr error) errkind.Kind {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return errkind.Timeout
	}
	if errors.Is(execErr, context.Canceled) {
		return errkind.Transient
	}
	return errkind.Classify(execErr)
}

// runHeartbeat periodically refreshes heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID, w.podID); err != nil {
				if errors.Is(err, services.ErrConflict) {
					slog.Warn("Job ownership lost, cancelling local run", "job_id", jobID)
					cancelJob()
					return
				}
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// publishStatus broadcasts a job:status event on the agent's stream.
func (w *Worker) publishStatus(job *models.Job, status models.JobStatus) {
	if w.hub == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"job_id":  job.ID,
		"task":    job.TaskName,
		"status":  status,
		"attempt": job.Attempt,
	})
	if err != nil {
		return
	}
	w.hub.Broadcast(job.AgentID, stream.EventJobStatus, data)
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
}
