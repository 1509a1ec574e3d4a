// Package channels supervises messaging channel adapters and dispatches
// inbound messages to agent jobs.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// ErrAlreadyRegistered is returned when a channel type is registered twice.
var ErrAlreadyRegistered = errors.New("already_registered")

// RoutedMessage is one inbound message after adapter-level filtering.
type RoutedMessage struct {
	ChannelType   string
	ChatID        string
	UserAccountID string
	Message       string
}

// MessageHandler consumes inbound messages. Handlers must not block the
// adapter's receive loop.
type MessageHandler func(ctx context.Context, msg RoutedMessage)

// Adapter is one messaging channel (Telegram, Slack, ...).
type Adapter interface {
	ChannelType() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) error
	SendApprovalRequest(ctx context.Context, chatID string, req *models.ApprovalRequest, approveToken, rejectToken string) error
	OnMessage(handler MessageHandler)
}

// HeartbeatReporter is implemented by long-poll and webhook adapters
// whose liveness is visible through receive activity.
type HeartbeatReporter interface {
	LastHeartbeatAt() time.Time
}

// Registry holds adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Channel type is the unique key.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ChannelType()]; ok {
		return fmt.Errorf("channel %s: %w", a.ChannelType(), ErrAlreadyRegistered)
	}
	r.adapters[a.ChannelType()] = a
	return nil
}

// Get returns the adapter for a channel type, or nil.
func (r *Registry) Get(channelType string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[channelType]
}

// All returns a snapshot of registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every adapter, stopping at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, a := range r.All() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("starting channel %s: %w", a.ChannelType(), err)
		}
	}
	return nil
}

// StopAll stops every adapter best-effort and joins the errors: one
// adapter failing to stop does not prevent the others from stopping.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.All() {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping channel %s: %w", a.ChannelType(), err))
		}
	}
	return errors.Join(errs...)
}
