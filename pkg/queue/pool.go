package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

// CronEntry schedules a recurring job. At most one run per entry is in
// flight; ticks that fire while a run is still pending or running are
// coalesced.
type CronEntry struct {
	Spec     string
	TaskName string
	AgentID  string
	Payload  json.RawMessage
}

// Pool manages the worker goroutines, cron triggers and the orphan
// reclaim loop. The pool ignores process signals; the shutdown
// coordinator calls StopGracefully.
type Pool struct {
	podID    string
	jobs     *services.JobService
	config   Config
	hub      *stream.Hub
	handlers map[string]Handler
	workers  []*Worker
	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancel registry: job_id -> cancel function.
	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc
	started    bool

	// Orphan reclaim state.
	orphanMu       sync.Mutex
	lastOrphanScan time.Time
	jobsReclaimed  int
}

// NewPool creates a worker pool. hub may be nil (streaming disabled).
func NewPool(podID string, jobs *services.JobService, cfg Config, hub *stream.Hub) *Pool {
	return &Pool{
		podID:      podID,
		jobs:       jobs,
		config:     cfg.withDefaults(),
		hub:        hub,
		handlers:   make(map[string]Handler),
		cron:       cron.New(),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Register binds a task name to a handler. Must be called before Start.
func (p *Pool) Register(taskName string, handler Handler) {
	p.handlers[taskName] = handler
}

// Schedule adds a cron entry. Must be called before Start.
func (p *Pool) Schedule(entry CronEntry) error {
	if _, ok := p.handlers[entry.TaskName]; !ok {
		return fmt.Errorf("cron entry references unregistered task %q", entry.TaskName)
	}

	var inFlight sync.Mutex
	_, err := p.cron.AddFunc(entry.Spec, func() {
		// Coalesce: skip the tick if the previous enqueue's job might
		// still be running.
		if !inFlight.TryLock() {
			slog.Debug("Cron tick coalesced", "task", entry.TaskName)
			return
		}
		defer inFlight.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if pending, err := p.hasOpenJob(ctx, entry); err != nil || pending {
			if err != nil {
				slog.Warn("Cron pending-check failed", "task", entry.TaskName, "error", err)
			}
			return
		}

		_, err := p.jobs.Enqueue(ctx, services.EnqueueInput{
			AgentID:  entry.AgentID,
			TaskName: entry.TaskName,
			Payload:  entry.Payload,
		})
		if err != nil {
			slog.Error("Cron enqueue failed", "task", entry.TaskName, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("adding cron entry %q: %w", entry.Spec, err)
	}
	return nil
}

// hasOpenJob reports whether a non-terminal job for the entry exists.
func (p *Pool) hasOpenJob(ctx context.Context, entry CronEntry) (bool, error) {
	for _, status := range []models.JobStatus{models.JobStatusScheduled, models.JobStatusRunning, models.JobStatusPending} {
		listed, err := p.jobs.List(ctx, services.ListFilter{
			AgentID: entry.AgentID,
			Status:  status,
			Limit:   50,
		})
		if err != nil {
			return false, err
		}
		for _, job := range listed {
			if job.TaskName == entry.TaskName {
				return true, nil
			}
		}
	}
	return false, nil
}

// Start spawns worker goroutines, the cron scheduler and the orphan
// reclaim loop. Safe to call once; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"pod_id", p.podID, "worker_count", p.config.WorkerCount, "tasks", len(p.handlers))

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := newWorker(workerID, p.podID, p.jobs, p.config, p.handlers, p.hub, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanReclaim(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// StopGracefully stops dequeue, waits up to deadline for in-flight
// handlers, then force-cancels the rest.
func (p *Pool) StopGracefully(deadline time.Duration) {
	if deadline <= 0 {
		deadline = p.config.GracefulShutdownTimeout
	}
	slog.Info("Stopping worker pool", "deadline", deadline)

	cronCtx := p.cron.Stop()
	<-cronCtx.Done()

	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		active := p.activeJobIDs()
		slog.Warn("Shutdown deadline reached, cancelling in-flight jobs",
			"count", len(active), "job_ids", active)
		p.mu.RLock()
		for _, cancel := range p.activeJobs {
			cancel()
		}
		p.mu.RUnlock()
		<-done
	}

	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// CancelJob triggers context cancellation for a job on this pod. Returns
// true if the job was found locally.
func (p *Pool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	stats := make([]WorkerHealth, 0, len(p.workers))
	for _, worker := range p.workers {
		stats = append(stats, worker.Health())
	}

	p.orphanMu.Lock()
	lastScan := p.lastOrphanScan
	reclaimed := p.jobsReclaimed
	p.orphanMu.Unlock()

	return &PoolHealth{
		PodID:          p.podID,
		TotalWorkers:   len(p.workers),
		ActiveJobs:     len(p.activeJobIDs()),
		WorkerStats:    stats,
		LastOrphanScan: lastScan,
		JobsReclaimed:  reclaimed,
	}
}

// runOrphanReclaim periodically moves stale RUNNING jobs back to
// SCHEDULED. All pods run this independently; the reclaim is idempotent.
func (p *Pool) runOrphanReclaim(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			ids, err := p.jobs.ReclaimStale(ctx, p.config.OrphanThreshold)
			p.orphanMu.Lock()
			p.lastOrphanScan = time.Now()
			p.jobsReclaimed += len(ids)
			p.orphanMu.Unlock()
			if err != nil {
				slog.Error("Orphan reclaim failed", "error", err)
			}
		}
	}
}

func (p *Pool) registerJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

func (p *Pool) unregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

func (p *Pool) activeJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
