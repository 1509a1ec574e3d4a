package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wheelhouse-io/wheelhouse/pkg/breaker"
	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

// EntryConfig describes one registered provider.
type EntryConfig struct {
	// Priority orders selection; lower is preferred.
	Priority int

	// MaxInFlight is the WIP limit for the provider. Default 1.
	MaxInFlight int64

	// AcquireTimeout bounds the wait for a WIP slot. A timed-out acquire
	// is classified RESOURCE and counts toward the breaker. Default 5s.
	AcquireTimeout time.Duration

	// Breaker tunes the provider's circuit breaker.
	Breaker breaker.Config
}

type entry struct {
	backend Backend
	cfg     EntryConfig
	brk     *breaker.Breaker
	sem     *semaphore.Weighted

	mu            sync.Mutex
	lastHealthErr error
	lastHealthAt  time.Time
}

// Registry holds registered providers sorted by priority, their breakers,
// WIP semaphores and cached health.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry

	subMu       sync.Mutex
	subscribers map[chan RouteEvent]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:      slog.Default().With("component", "provider-router"),
		subscribers: make(map[chan RouteEvent]struct{}),
	}
}

// Register adds a backend. The entry list stays sorted by priority;
// registration order breaks ties.
func (r *Registry) Register(backend Backend, cfg EntryConfig) {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	e := &entry{
		backend: backend,
		cfg:     cfg,
		brk:     breaker.New(backend.ID(), cfg.Breaker),
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].cfg.Priority < r.entries[j].cfg.Priority
	})
	r.logger.Info("Provider registered",
		"provider", backend.ID(), "priority", cfg.Priority, "max_in_flight", cfg.MaxInFlight)
}

// Breaker returns the circuit breaker for a provider, or nil if unknown.
func (r *Registry) Breaker(providerID string) *breaker.Breaker {
	if e := r.find(providerID); e != nil {
		return e.brk
	}
	return nil
}

// Lease is a selected provider with its probe slot and WIP slot held.
// Callers must Finish exactly once with the call outcome.
type Lease struct {
	entry    *entry
	released bool
	mu       sync.Mutex
}

// Backend returns the leased backend.
func (l *Lease) Backend() Backend { return l.entry.backend }

// ProviderID returns the leased provider id.
func (l *Lease) ProviderID() string { return l.entry.backend.ID() }

// Finish records the call outcome on the breaker and releases the WIP
// slot. Idempotent.
func (l *Lease) Finish(success bool, kind errkind.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.entry.brk.RecordOutcome(success, kind)
	l.entry.sem.Release(1)
}

// Route selects the highest-priority available provider. Providers with
// an open breaker, a half-open breaker at probe capacity, or an exhausted
// WIP limit are skipped with a route_skipped event. When nothing can be
// selected a route_exhausted event is emitted and ErrNoBackendAvailable
// returned.
func (r *Registry) Route(ctx context.Context, task Task) (*Lease, error) {
	return r.route(ctx, task, false)
}

// RouteWithFailover is Route, additionally emitting a route_failover
// event naming the skipped provider when selection fell through to a
// lower-priority entry.
func (r *Registry) RouteWithFailover(ctx context.Context, task Task) (*Lease, error) {
	return r.route(ctx, task, true)
}

func (r *Registry) route(ctx context.Context, task Task, failover bool) (*Lease, error) {
	r.mu.Lock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var lastSkipped string
	for _, e := range entries {
		id := e.backend.ID()

		if e.brk.State() == breaker.StateOpen {
			r.publish(RouteEvent{Type: RouteSkipped, ProviderID: id, Reason: ReasonCircuitOpen, JobID: task.JobID})
			lastSkipped = id
			continue
		}
		if !e.brk.CanExecute() {
			r.publish(RouteEvent{Type: RouteSkipped, ProviderID: id, Reason: ReasonProbeCapacity, JobID: task.JobID})
			lastSkipped = id
			continue
		}

		acquireCtx, cancel := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
		err := e.sem.Acquire(acquireCtx, 1)
		cancel()
		if err != nil {
			// The probe slot (if any) is released and the wait counted as
			// a RESOURCE failure.
			e.brk.RecordOutcome(false, errkind.Resource)
			r.publish(RouteEvent{Type: RouteSkipped, ProviderID: id, Reason: ReasonWIPLimit, JobID: task.JobID})
			lastSkipped = id
			continue
		}

		if failover && lastSkipped != "" {
			r.publish(RouteEvent{Type: RouteFailover, ProviderID: id, Reason: "failover_from:" + lastSkipped, JobID: task.JobID})
		}
		r.publish(RouteEvent{Type: RouteSelected, ProviderID: id, JobID: task.JobID})
		return &Lease{entry: e}, nil
	}

	r.publish(RouteEvent{Type: RouteExhausted, JobID: task.JobID})
	return nil, fmt.Errorf("routing task for job %s: %w", task.JobID, ErrNoBackendAvailable)
}

// RecordOutcome forwards an outcome to a provider's breaker without
// holding a lease. Used for outcomes observed outside Route, e.g. health
// probes.
func (r *Registry) RecordOutcome(providerID string, success bool, kind errkind.Kind) {
	if e := r.find(providerID); e != nil {
		e.brk.RecordOutcome(success, kind)
	}
}

// CheckHealth probes every backend and caches the result.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		err := e.backend.Healthy(ctx)
		e.mu.Lock()
		e.lastHealthErr = err
		e.lastHealthAt = time.Now().UTC()
		e.mu.Unlock()
		if err != nil {
			r.logger.Warn("Provider health probe failed",
				"provider", e.backend.ID(), "error", err)
		}
	}
}

// Health returns the cached health error (nil means healthy) and the
// probe time for a provider.
func (r *Registry) Health(providerID string) (error, time.Time) {
	e := r.find(providerID)
	if e == nil {
		return fmt.Errorf("unknown provider %q", providerID), time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHealthErr, e.lastHealthAt
}

// Subscribe returns a channel of routing events. Slow subscribers drop
// events rather than blocking routing.
func (r *Registry) Subscribe() chan RouteEvent {
	ch := make(chan RouteEvent, 64)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (r *Registry) Unsubscribe(ch chan RouteEvent) {
	r.subMu.Lock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.subMu.Unlock()
}

// Close tears down all subscriptions.
func (r *Registry) Close() {
	r.subMu.Lock()
	for ch := range r.subscribers {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.subMu.Unlock()
}

func (r *Registry) publish(ev RouteEvent) {
	ev.Timestamp = time.Now().UTC()
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Registry) find(providerID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.backend.ID() == providerID {
			return e
		}
	}
	return nil
}
