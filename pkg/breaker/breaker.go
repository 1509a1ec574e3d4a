// Package breaker implements the per-provider circuit breaker: Closed,
// Open and Half-Open states with classification-aware failure counting.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config controls breaker behavior. CountsFailure decides which error
// classifications increment the failure counter; permanent errors
// propagate without tripping.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures
	// that trips the breaker.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before allowing
	// half-open probes.
	OpenDuration time.Duration

	// HalfOpenMax caps concurrent probes in half-open state. Minimum 1.
	HalfOpenMax int

	// CountsFailure reports whether a classification counts toward the
	// threshold. Nil uses errkind defaults.
	CountsFailure func(kind errkind.Kind) bool
}

// DefaultConfig returns the breaker defaults used for providers without
// explicit tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = 1
	}
	if c.CountsFailure == nil {
		c.CountsFailure = func(kind errkind.Kind) bool {
			return kind.CountsAsBreakerFailure()
		}
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one provider. All
// state updates are atomic under the breaker mutex.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	// onStateChange, when set, is invoked outside the lock after a
	// transition.
	onStateChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
	probes    int

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "breaker", "provider", name),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a transition callback. Must be called before
// the breaker is shared.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onStateChange = fn
}

// State returns the current state, promoting Open to Half-Open when the
// open window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// CanExecute reports whether a call may proceed. In half-open state a
// successful CanExecute acquires one of the HalfOpenMax probe slots; the
// slot is released by RecordOutcome.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()

	var ok bool
	switch b.state {
	case StateClosed:
		ok = true
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMax {
			b.probes++
			ok = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return ok
}

// RecordOutcome reports the result of a call admitted by CanExecute.
// Success closes a half-open breaker and resets the failure counter.
// A counted failure increments the counter in closed state and reopens a
// half-open breaker; uncounted classifications only release the probe
// slot.
func (b *Breaker) RecordOutcome(success bool, kind errkind.Kind) {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if success {
			b.toClosedLocked()
		} else if b.cfg.CountsFailure(kind) {
			b.toOpenLocked()
		}
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		if !b.cfg.CountsFailure(kind) {
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpenLocked()
		}
	case StateOpen:
		// Late outcome from a call admitted before the trip; nothing to
		// update.
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.state = StateHalfOpen
		b.probes = 0
		b.logger.Debug("Circuit breaker entering half-open state")
	}
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.openUntil = b.now().Add(b.cfg.OpenDuration)
	b.logger.Warn("Circuit breaker opened",
		"failures", b.failures,
		"open_until", b.openUntil)
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.failures = 0
	b.logger.Info("Circuit breaker closed after successful probe")
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
