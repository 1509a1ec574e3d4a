package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

const slackChannelType = "slack"

// SlackConfig configures the outbound Slack adapter.
type SlackConfig struct {
	Token string
	// APIURL overrides the Slack API endpoint, for tests.
	APIURL string
}

// SlackAdapter delivers agent responses and approval prompts to Slack
// channels. It is outbound-only: inbound Slack traffic arrives through
// the HTTP API, not this adapter, so OnMessage handlers are never fired.
type SlackAdapter struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewSlackAdapter creates the adapter. The token is required.
func NewSlackAdapter(cfg SlackConfig) (*SlackAdapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	opts := []goslack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, goslack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackAdapter{
		api:    goslack.New(cfg.Token, opts...),
		logger: slog.Default().With("component", "slack-adapter"),
	}, nil
}

// ChannelType implements Adapter.
func (s *SlackAdapter) ChannelType() string { return slackChannelType }

// Start implements Adapter. The Slack client is connectionless.
func (s *SlackAdapter) Start(context.Context) error { return nil }

// Stop implements Adapter.
func (s *SlackAdapter) Stop(context.Context) error { return nil }

// OnMessage implements Adapter. Outbound-only: the handler is ignored.
func (s *SlackAdapter) OnMessage(MessageHandler) {}

// HealthCheck verifies the token with auth.test.
func (s *SlackAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("auth.test failed: %w", err)
	}
	return nil
}

// SendMessage posts a plain message to a channel.
func (s *SlackAdapter) SendMessage(ctx context.Context, chatID, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, chatID,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// SendApprovalRequest posts the approval prompt as block kit sections
// with the callback tokens in a context block.
func (s *SlackAdapter) SendApprovalRequest(ctx context.Context, chatID string, req *models.ApprovalRequest, approveToken, rejectToken string) error {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("Approval needed (risk: %s)", req.Risk), false, false))

	body := req.Summary
	if req.Detail != "" {
		body += "\n\n" + req.Detail
	}
	summary := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil)

	tokens := goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("Approve: `%s`  Reject: `%s`  Expires: %s",
				approveToken, rejectToken, req.ExpiresAt.UTC().Format(time.RFC3339)),
			false, false))

	_, _, err := s.api.PostMessageContext(ctx, chatID,
		goslack.MsgOptionBlocks(header, summary, tokens))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
