package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// BindingService maps inbound channel messages to agents. A chat-scoped
// binding wins over the channel-wide default.
type BindingService struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewBindingService creates a binding service.
func NewBindingService(db *sql.DB) *BindingService {
	return &BindingService{
		db:     db,
		logger: slog.Default().With("component", "binding-service"),
		now:    time.Now,
	}
}

const bindingColumns = `id, agent_id, channel_type, chat_id, is_default, created_at`

// Bind creates a binding. An empty chatID with isDefault makes the
// agent the channel-wide fallback. Duplicate (channel, chat) pairs
// surface as ErrConflict via the unique index.
func (s *BindingService) Bind(ctx context.Context, agentID, channelType, chatID string, isDefault bool) (*models.ChannelBinding, error) {
	if chatID == "" && !isDefault {
		return nil, fmt.Errorf("chat id is required for non-default bindings")
	}

	binding := &models.ChannelBinding{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		ChannelType: channelType,
		ChatID:      chatID,
		Default:     isDefault,
		CreatedAt:   s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_bindings (id, agent_id, channel_type, chat_id, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		binding.ID, agentID, channelType, chatID, isDefault, binding.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("binding for %s/%s exists: %w", channelType, chatID, ErrConflict)
		}
		return nil, fmt.Errorf("creating channel binding: %w", err)
	}

	s.logger.Info("Channel binding created",
		"agent_id", agentID, "channel_type", channelType, "chat_id", chatID, "default", isDefault)
	return binding, nil
}

// Unbind removes a binding by id.
func (s *BindingService) Unbind(ctx context.Context, bindingID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_bindings WHERE id = $1`, bindingID)
	if err != nil {
		return fmt.Errorf("deleting binding %s: %w", bindingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("binding %s: %w", bindingID, ErrNotFound)
	}
	return nil
}

// ListForAgent returns an agent's bindings.
func (s *BindingService) ListForAgent(ctx context.Context, agentID string) ([]models.ChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bindingColumns+` FROM channel_bindings
		WHERE agent_id = $1 ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing bindings for agent %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []models.ChannelBinding
	for rows.Next() {
		var b models.ChannelBinding
		if err := rows.Scan(&b.ID, &b.AgentID, &b.ChannelType, &b.ChatID, &b.Default, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// Resolve returns the agent bound to (channelType, chatID), falling back
// to the channel-wide default binding.
func (s *BindingService) Resolve(ctx context.Context, channelType, chatID string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id FROM channel_bindings
		WHERE channel_type = $1 AND chat_id = $2`, channelType, chatID).Scan(&agentID)
	if err == nil {
		return agentID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolving binding %s/%s: %w", channelType, chatID, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT agent_id FROM channel_bindings
		WHERE channel_type = $1 AND is_default`, channelType).Scan(&agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no binding for %s/%s: %w", channelType, chatID, ErrNotFound)
		}
		return "", fmt.Errorf("resolving default binding for %s: %w", channelType, err)
	}
	return agentID, nil
}

// isUniqueViolation detects PostgreSQL unique constraint errors
// (SQLSTATE 23505) without depending on the driver error type here.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var se sqlState
	if errors.As(err, &se) {
		return se.SQLState() == "23505"
	}
	return false
}
