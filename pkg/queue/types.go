// Package queue provides the worker runtime: claiming scheduled jobs,
// dispatching task handlers, heartbeats, cron triggers and orphan
// reclaim.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no ready jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrUnknownTask indicates a job names a task with no registered
	// handler. Treated as PERMANENT.
	ErrUnknownTask = errors.New("unknown task")
)

// Handler processes one job. The ctx carries the per-job timeout and is
// cancelled on shutdown, API cancellation and lost heartbeats; handlers
// must return promptly on cancellation, writing a final checkpoint when
// safe.
type Handler interface {
	Execute(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Config contains worker pool configuration.
type Config struct {
	// WorkerCount is the number of worker goroutines; it is also the
	// pool's concurrency cap since each worker runs one job at a time.
	WorkerCount int

	// PollInterval is the base interval for checking ready jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter time.Duration

	// HeartbeatInterval is how often running workers refresh
	// heartbeat_at. Must stay below half of OrphanThreshold.
	HeartbeatInterval time.Duration

	// OrphanThreshold is how long a job can go without a heartbeat
	// before it is reclaimed.
	OrphanThreshold time.Duration

	// OrphanScanInterval is how often to scan for stale jobs.
	OrphanScanInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// during StopGracefully.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns the built-in worker defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:             5,
		PollInterval:            time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HeartbeatInterval:       15 * time.Second,
		OrphanThreshold:         30 * time.Second,
		OrphanScanInterval:      time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WorkerCount < 1 {
		c.WorkerCount = def.WorkerCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollIntervalJitter < 0 {
		c.PollIntervalJitter = def.PollIntervalJitter
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 2 * c.HeartbeatInterval
	}
	if c.OrphanScanInterval <= 0 {
		c.OrphanScanInterval = def.OrphanScanInterval
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return c
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	PodID          string         `json:"pod_id"`
	TotalWorkers   int            `json:"total_workers"`
	ActiveJobs     int            `json:"active_jobs"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
	LastOrphanScan time.Time      `json:"last_orphan_scan"`
	JobsReclaimed  int            `json:"jobs_reclaimed"`
}
