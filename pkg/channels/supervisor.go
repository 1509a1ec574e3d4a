package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// AdapterState is the supervisor's view of one adapter.
type AdapterState string

const (
	StateHealthy     AdapterState = "healthy"
	StateUnhealthy   AdapterState = "unhealthy"
	StateRecovering  AdapterState = "recovering"
	StateCircuitOpen AdapterState = "circuit_open"
)

// SupervisorConfig tunes the probe loop.
type SupervisorConfig struct {
	ProbeInterval           time.Duration
	StaleAfter              time.Duration
	CircuitFailureThreshold int
	CircuitOpenFor          time.Duration
	RecoveryBackoffBase     time.Duration
	RecoveryBackoffCap      time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitOpenFor <= 0 {
		c.CircuitOpenFor = time.Minute
	}
	if c.RecoveryBackoffBase <= 0 {
		c.RecoveryBackoffBase = time.Second
	}
	if c.RecoveryBackoffCap <= 0 {
		c.RecoveryBackoffCap = 30 * time.Second
	}
	return c
}

// AdapterStatus is the published snapshot for one adapter.
type AdapterStatus struct {
	ChannelType string       `json:"channel_type"`
	State       AdapterState `json:"state"`
	Failures    int          `json:"failures"`
	LastProbeAt time.Time    `json:"last_probe_at"`
	LastError   string       `json:"last_error,omitempty"`
}

type adapterHealth struct {
	state          AdapterState
	failures       int
	lastProbeAt    time.Time
	lastError      string
	circuitUntil   time.Time
	recoverBackoff *backoff.ExponentialBackOff
}

// Supervisor probes every registered adapter, restarts unhealthy ones
// with backoff and opens a circuit after repeated failures.
type Supervisor struct {
	registry *Registry
	cfg      SupervisorConfig
	logger   *slog.Logger

	mu          sync.Mutex
	health      map[string]*adapterHealth
	subscribers map[chan []AdapterStatus]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewSupervisor creates a supervisor over the registry.
func NewSupervisor(registry *Registry, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		registry:    registry,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default().With("component", "channel-supervisor"),
		health:      make(map[string]*adapterHealth),
		subscribers: make(map[chan []AdapterStatus]struct{}),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the probe loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for in-flight recoveries.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Subscribe returns a channel receiving the full status snapshot on
// every state change. Slow subscribers miss snapshots rather than
// blocking the probe loop.
func (s *Supervisor) Subscribe() chan []AdapterStatus {
	ch := make(chan []AdapterStatus, 8)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (s *Supervisor) Unsubscribe(ch chan []AdapterStatus) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// Status returns the current snapshot for all adapters.
func (s *Supervisor) Status() []AdapterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() []AdapterStatus {
	out := make([]AdapterStatus, 0, len(s.health))
	for channelType, h := range s.health {
		out = append(out, AdapterStatus{
			ChannelType: channelType,
			State:       h.state,
			Failures:    h.failures,
			LastProbeAt: h.lastProbeAt,
			LastError:   h.lastError,
		})
	}
	return out
}

func (s *Supervisor) probeAll(ctx context.Context) {
	for _, adapter := range s.registry.All() {
		s.probe(ctx, adapter)
	}
}

func (s *Supervisor) probe(ctx context.Context, adapter Adapter) {
	name := adapter.ChannelType()
	now := s.now()

	s.mu.Lock()
	h, ok := s.health[name]
	if !ok {
		h = &adapterHealth{state: StateHealthy}
		s.health[name] = h
	}
	if h.state == StateCircuitOpen {
		if now.Before(h.circuitUntil) {
			s.mu.Unlock()
			return
		}
		// Circuit window elapsed: resume probing from a clean counter.
		h.state = StateUnhealthy
		h.failures = 0
	}
	s.mu.Unlock()

	err := adapter.HealthCheck(ctx)
	if err == nil {
		if reporter, ok := adapter.(HeartbeatReporter); ok {
			if last := reporter.LastHeartbeatAt(); !last.IsZero() && now.Sub(last) > s.cfg.StaleAfter {
				err = &staleHeartbeatError{since: now.Sub(last)}
			}
		}
	}

	s.mu.Lock()
	h.lastProbeAt = now
	prev := h.state

	if err == nil {
		h.state = StateHealthy
		h.failures = 0
		h.lastError = ""
		h.recoverBackoff = nil
		changed := prev != StateHealthy
		s.publishLocked(changed)
		s.mu.Unlock()
		return
	}

	h.failures++
	h.lastError = err.Error()
	if h.failures >= s.cfg.CircuitFailureThreshold {
		h.state = StateCircuitOpen
		h.circuitUntil = now.Add(s.cfg.CircuitOpenFor)
		s.publishLocked(prev != StateCircuitOpen)
		s.mu.Unlock()
		s.logger.Error("Channel circuit opened",
			"channel", name, "failures", h.failures, "error", err)
		return
	}

	h.state = StateRecovering
	if h.recoverBackoff == nil {
		h.recoverBackoff = s.newRecoveryBackoff()
	}
	delay := h.recoverBackoff.NextBackOff()
	s.publishLocked(prev != StateRecovering)
	s.mu.Unlock()

	s.logger.Warn("Channel unhealthy, scheduling recovery",
		"channel", name, "failures", h.failures, "delay", delay, "error", err)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.recover(ctx, adapter)
	}()
}

// recover restarts an adapter and re-probes it immediately.
func (s *Supervisor) recover(ctx context.Context, adapter Adapter) {
	name := adapter.ChannelType()
	if err := adapter.Stop(ctx); err != nil {
		s.logger.Warn("Channel stop during recovery failed", "channel", name, "error", err)
	}
	if err := adapter.Start(ctx); err != nil {
		s.logger.Warn("Channel restart failed", "channel", name, "error", err)
	}
	s.probe(ctx, adapter)
}

func (s *Supervisor) newRecoveryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RecoveryBackoffBase
	b.MaxInterval = s.cfg.RecoveryBackoffCap
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	return b
}

// publishLocked fans the snapshot out to subscribers when the state
// changed. Callers hold s.mu.
func (s *Supervisor) publishLocked(changed bool) {
	if !changed {
		return
	}
	snapshot := s.snapshotLocked()
	for ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

type staleHeartbeatError struct {
	since time.Duration
}

func (e *staleHeartbeatError) Error() string {
	return "no heartbeat for " + e.since.Round(time.Second).String()
}
