package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/secrets"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

// Notifier delivers an approval prompt with its callback tokens on one
// channel. Implemented by the message dispatcher.
type Notifier interface {
	NotifyApproval(ctx context.Context, channelType, chatID string, req *models.ApprovalRequest, approveToken, rejectToken string) error
	NotifyApprovalClosed(ctx context.Context, channelType, chatID string, req *models.ApprovalRequest) error
}

// Gate creates approval requests, fans out notifications and records
// token-verified decisions.
type Gate struct {
	approvals *services.ApprovalService
	bindings  *services.BindingService
	signer    *Signer
	notifier  Notifier
	vault     *secrets.Vault
	logger    *slog.Logger
}

// NewGate wires the gate. notifier may be nil (notifications disabled,
// decisions still work through the API).
func NewGate(approvals *services.ApprovalService, bindings *services.BindingService, signer *Signer, notifier Notifier) *Gate {
	return &Gate{
		approvals: approvals,
		bindings:  bindings,
		signer:    signer,
		notifier:  notifier,
		logger:    slog.Default().With("component", "approval-gate"),
	}
}

// UseVault seals callback tokens before they are persisted with the
// notification record. Verification is stateless HMAC, so the stored
// copies are never read back for decisions.
func (g *Gate) UseVault(v *secrets.Vault) {
	g.vault = v
}

// Request creates a pending approval and notifies every channel the
// agent is bound to. Notification failures are logged, not fatal: the
// request stays decidable through the API.
func (g *Gate) Request(ctx context.Context, in services.CreateInput) (*models.ApprovalRequest, error) {
	req, err := g.approvals.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	approveToken, err := g.signer.TokenFor(req.ID, models.ApprovalApproved)
	if err != nil {
		return nil, err
	}
	rejectToken, err := g.signer.TokenFor(req.ID, models.ApprovalRejected)
	if err != nil {
		return nil, err
	}

	if g.notifier != nil {
		bindings, err := g.bindings.ListForAgent(ctx, in.AgentID)
		if err != nil {
			g.logger.Warn("Listing bindings for approval notification failed",
				"approval_id", req.ID, "error", err)
			return req, nil
		}
		for _, b := range bindings {
			if b.ChatID == "" {
				continue
			}
			if err := g.notifier.NotifyApproval(ctx, b.ChannelType, b.ChatID, req, approveToken, rejectToken); err != nil {
				g.logger.Warn("Approval notification failed",
					"approval_id", req.ID, "channel_type", b.ChannelType, "error", err)
				continue
			}
			n := models.ApprovalNotification{
				ChannelType:  b.ChannelType,
				ChatID:       b.ChatID,
				ApproveToken: g.sealToken(approveToken),
				RejectToken:  g.sealToken(rejectToken),
				SentAt:       time.Now().UTC(),
			}
			if err := g.approvals.RecordNotification(ctx, req.ID, n); err != nil {
				g.logger.Warn("Recording approval notification failed",
					"approval_id", req.ID, "error", err)
			}
		}
	}
	return req, nil
}

// DecideByToken verifies a callback token and records the decision it
// encodes. Expired and already-decided requests surface the store's
// sentinel errors.
func (g *Gate) DecideByToken(ctx context.Context, approvalID, token, decidedBy string) (*models.ApprovalRequest, error) {
	decision, err := g.signer.Verify(approvalID, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token for approval %s: %w", approvalID, err)
	}
	return g.approvals.Decide(ctx, approvalID, decision, decidedBy, "via callback token")
}

// Decide records an authenticated API decision.
func (g *Gate) Decide(ctx context.Context, approvalID string, decision models.ApprovalStatus, decidedBy, note string) (*models.ApprovalRequest, error) {
	return g.approvals.Decide(ctx, approvalID, decision, decidedBy, note)
}

// ExpirePending is the cron sweep: transitions overdue PENDING requests
// to EXPIRED and notifies the channels that saw the original prompt.
func (g *Gate) ExpirePending(ctx context.Context) (int, error) {
	expired, err := g.approvals.ExpirePending(ctx)
	if err != nil {
		return 0, err
	}
	if g.notifier != nil {
		for _, req := range expired {
			for _, n := range req.Notifications {
				if err := g.notifier.NotifyApprovalClosed(ctx, n.ChannelType, n.ChatID, req); err != nil {
					g.logger.Warn("Approval expiry notification failed",
						"approval_id", req.ID, "channel_type", n.ChannelType, "error", err)
				}
			}
		}
	}
	return len(expired), nil
}

// Wait blocks until the approval reaches a terminal status, polling the
// store, or until ctx is cancelled. Used by job handlers gated on a
// decision.
func (g *Gate) Wait(ctx context.Context, approvalID string, pollInterval time.Duration) (*models.ApprovalRequest, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, err := g.approvals.Get(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sealToken encrypts a callback token for at-rest storage. Without a
// vault the token is stored as issued.
func (g *Gate) sealToken(token string) string {
	if g.vault == nil {
		return token
	}
	sealed, err := g.vault.Seal([]byte(token))
	if err != nil {
		g.logger.Warn("Sealing approval token failed, storing plaintext", "error", err)
		return token
	}
	return sealed
}
