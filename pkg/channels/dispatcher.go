package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

// NoAgentReply is sent back on the channel when no binding resolves.
const NoAgentReply = "No agent is configured for this chat. Ask an operator to bind one."

// enqueueFailedReply is the user-facing fallback when job creation fails.
const enqueueFailedReply = "Something went wrong handing your message to the agent. Please try again."

// historyWindow bounds the conversation history attached to a chat job.
const historyWindow = 20

// BindingResolver maps (channelType, chatId) to an agent.
type BindingResolver interface {
	Resolve(ctx context.Context, channelType, chatID string) (string, error)
}

// SessionStore is the session surface the dispatcher needs.
type SessionStore interface {
	FindOrCreateActive(ctx context.Context, agentID, userAccountID, channelID string) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) (*models.SessionMessage, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error)
}

// JobEnqueuer creates jobs from inbound messages.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, in services.EnqueueInput) (*models.Job, error)
}

// Dispatcher routes inbound channel messages to agent jobs and relays
// responses and approval prompts back out.
type Dispatcher struct {
	registry *Registry
	bindings BindingResolver
	sessions SessionStore
	jobs     JobEnqueuer
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(registry *Registry, bindings BindingResolver, sessions SessionStore, jobs JobEnqueuer) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		bindings: bindings,
		sessions: sessions,
		jobs:     jobs,
		logger:   slog.Default().With("component", "dispatcher"),
	}
}

// HandleMessage is the adapter-facing entry point: resolve the agent,
// persist the user message and enqueue a chat job. Unroutable messages
// get a fixed reply and are not persisted.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg RoutedMessage) {
	if err := d.dispatch(ctx, msg); err != nil {
		d.logger.Error("Dispatching inbound message failed",
			"channel", msg.ChannelType, "chat_id", msg.ChatID, "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg RoutedMessage) error {
	agentID, err := d.bindings.Resolve(ctx, msg.ChannelType, msg.ChatID)
	if errors.Is(err, services.ErrNotFound) {
		d.reply(ctx, msg.ChannelType, msg.ChatID, NoAgentReply)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving binding: %w", err)
	}

	channelID := msg.ChannelType + ":" + msg.ChatID
	session, err := d.sessions.FindOrCreateActive(ctx, agentID, msg.UserAccountID, channelID)
	if err != nil {
		d.reply(ctx, msg.ChannelType, msg.ChatID, enqueueFailedReply)
		return fmt.Errorf("finding session: %w", err)
	}

	if _, err := d.sessions.AppendMessage(ctx, session.ID, models.RoleUser, msg.Message); err != nil {
		d.reply(ctx, msg.ChannelType, msg.ChatID, enqueueFailedReply)
		return fmt.Errorf("appending user message: %w", err)
	}

	history, err := d.sessions.History(ctx, session.ID, historyWindow)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	payload, err := json.Marshal(models.ChatResponsePayload{
		Type:                models.PayloadChatResponse,
		Prompt:              msg.Message,
		ConversationHistory: history,
		GoalType:            "chat",
	})
	if err != nil {
		return fmt.Errorf("encoding chat payload: %w", err)
	}

	job, err := d.jobs.Enqueue(ctx, services.EnqueueInput{
		AgentID:   agentID,
		SessionID: &session.ID,
		TaskName:  models.PayloadChatResponse,
		Payload:   payload,
	})
	if err != nil {
		d.reply(ctx, msg.ChannelType, msg.ChatID, enqueueFailedReply)
		return fmt.Errorf("enqueueing chat job: %w", err)
	}

	d.logger.Info("Inbound message dispatched",
		"channel", msg.ChannelType, "chat_id", msg.ChatID,
		"agent_id", agentID, "session_id", session.ID, "job_id", job.ID)
	return nil
}

// RelayResponse persists an assistant response to its session and sends
// it back on the originating channel.
func (d *Dispatcher) RelayResponse(ctx context.Context, sessionID, response string) error {
	session, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if _, err := d.sessions.AppendMessage(ctx, sessionID, models.RoleAssistant, response); err != nil {
		return fmt.Errorf("appending assistant message: %w", err)
	}

	channelType, chatID, ok := splitChannelID(session.ChannelID)
	if !ok {
		// API-originated session with no channel leg; persistence is enough.
		return nil
	}
	adapter := d.registry.Get(channelType)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for channel %s", channelType)
	}
	return adapter.SendMessage(ctx, chatID, response)
}

// NotifyApproval delivers an approval prompt on one channel.
func (d *Dispatcher) NotifyApproval(ctx context.Context, channelType, chatID string, req *models.ApprovalRequest, approveToken, rejectToken string) error {
	adapter := d.registry.Get(channelType)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for channel %s", channelType)
	}
	return adapter.SendApprovalRequest(ctx, chatID, req, approveToken, rejectToken)
}

// NotifyApprovalClosed tells a channel that a pending approval reached a
// terminal state.
func (d *Dispatcher) NotifyApprovalClosed(ctx context.Context, channelType, chatID string, req *models.ApprovalRequest) error {
	adapter := d.registry.Get(channelType)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for channel %s", channelType)
	}
	text := fmt.Sprintf("Approval %q is now %s.", req.Summary, req.Status)
	return adapter.SendMessage(ctx, chatID, text)
}

// reply sends a best-effort plain message back on the channel.
func (d *Dispatcher) reply(ctx context.Context, channelType, chatID, text string) {
	adapter := d.registry.Get(channelType)
	if adapter == nil {
		return
	}
	if err := adapter.SendMessage(ctx, chatID, text); err != nil {
		d.logger.Warn("Channel reply failed",
			"channel", channelType, "chat_id", chatID, "error", err)
	}
}

// splitChannelID reverses the "channelType:chatId" session channel key.
func splitChannelID(channelID string) (channelType, chatID string, ok bool) {
	for i := 0; i < len(channelID); i++ {
		if channelID[i] == ':' {
			return channelID[:i], channelID[i+1:], true
		}
	}
	return "", "", false
}
