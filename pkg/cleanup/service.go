// Package cleanup enforces retention policies for jobs, sessions and
// on-disk event buffers.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// JobPruner removes terminal jobs past their retention window.
type JobPruner interface {
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SessionExpirer ends sessions idle past their TTL.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// Config tunes the retention sweeps.
type Config struct {
	// JobRetention is how long terminal jobs are kept.
	JobRetention time.Duration
	// BufferRetention is how long per-job event buffer directories are
	// kept after their last write.
	BufferRetention time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.JobRetention <= 0 {
		c.JobRetention = 7 * 24 * time.Hour
	}
	if c.BufferRetention <= 0 {
		c.BufferRetention = 72 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

// Service periodically enforces retention:
//   - Deletes terminal jobs past the job retention window
//   - Expires sessions idle past their TTL
//   - Removes event buffer directories with no recent writes
//
// All operations are idempotent and safe to run from multiple pods;
// buffer pruning only touches this pod's buffer directory.
type Service struct {
	cfg       Config
	jobs      JobPruner
	sessions  SessionExpirer
	bufferDir string
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper. bufferDir may be empty to
// skip buffer pruning.
func NewService(cfg Config, jobs JobPruner, sessions SessionExpirer, bufferDir string) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		jobs:      jobs,
		sessions:  sessions,
		bufferDir: bufferDir,
		logger:    slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"job_retention", s.cfg.JobRetention,
		"buffer_retention", s.cfg.BufferRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all retention checks.
func (s *Service) Sweep(ctx context.Context) {
	s.pruneJobs(ctx)
	s.expireSessions(ctx)
	s.pruneBuffers()
}

func (s *Service) pruneJobs(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	count, err := s.jobs.PruneTerminal(ctx, s.cfg.JobRetention)
	if err != nil {
		s.logger.Error("Retention: pruning terminal jobs failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned terminal jobs", "count", count)
	}
}

func (s *Service) expireSessions(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	count, err := s.sessions.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("Retention: expiring stale sessions failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: expired stale sessions", "count", count)
	}
}

// pruneBuffers removes per-job buffer directories whose newest entry is
// older than the buffer retention window.
func (s *Service) pruneBuffers() {
	if s.bufferDir == "" {
		return
	}
	entries, err := os.ReadDir(s.bufferDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Retention: reading buffer dir failed", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-s.cfg.BufferRetention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.bufferDir, entry.Name())
		if newestModTime(dir).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("Retention: removing buffer dir failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Retention: removed stale buffer directories", "count", removed)
	}
}

// newestModTime returns the most recent mtime of the directory or any
// file directly inside it. The zero time means unreadable, which sorts
// as ancient and gets the directory removed.
func newestModTime(dir string) time.Time {
	var newest time.Time
	if info, err := os.Stat(dir); err == nil {
		newest = info.ModTime()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
