package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// AgentService persists agents and their lifecycle state. In-memory
// lifecycle transitions live in pkg/lifecycle; this service is the
// durable record behind them.
type AgentService struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewAgentService creates an agent service.
func NewAgentService(db *sql.DB) *AgentService {
	return &AgentService{
		db:     db,
		logger: slog.Default().With("component", "agent-service"),
		now:    time.Now,
	}
}

const agentColumns = `id, slug, display_name, description, resource_limits,
	lifecycle_state, created_at, updated_at`

// Create inserts a new agent in BOOTING state.
func (s *AgentService) Create(ctx context.Context, slug, displayName, description string, limits models.ResourceLimits) (*models.Agent, error) {
	limitsBlob, err := json.Marshal(limits)
	if err != nil {
		return nil, fmt.Errorf("encoding resource limits: %w", err)
	}

	now := s.now().UTC()
	agent := &models.Agent{
		ID:             uuid.New().String(),
		Slug:           slug,
		DisplayName:    displayName,
		Description:    description,
		ResourceLimits: limits,
		LifecycleState: models.StateBooting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, slug, display_name, description, resource_limits,
			lifecycle_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'BOOTING', $6, $6)`,
		agent.ID, slug, displayName, description, limitsBlob, now)
	if err != nil {
		return nil, fmt.Errorf("creating agent %s: %w", slug, err)
	}

	s.logger.Info("Agent created", "agent_id", agent.ID, "slug", slug)
	return agent, nil
}

// Get loads one agent by id.
func (s *AgentService) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	return s.scanOne(row, agentID)
}

// GetBySlug loads one agent by slug.
func (s *AgentService) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug)
	return s.scanOne(row, slug)
}

// List returns all agents.
func (s *AgentService) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateLifecycleState persists a lifecycle transition already validated
// by the lifecycle manager.
func (s *AgentService) UpdateLifecycleState(ctx context.Context, agentID string, state models.LifecycleState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET lifecycle_state = $2, updated_at = $3 WHERE id = $1`,
		agentID, state, s.now().UTC())
	if err != nil {
		return fmt.Errorf("updating lifecycle state for agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *AgentService) scanOne(row rowScanner, key string) (*models.Agent, error) {
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("loading agent %s: %w", key, err)
	}
	return agent, nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent  models.Agent
		limits []byte
	)
	err := row.Scan(&agent.ID, &agent.Slug, &agent.DisplayName, &agent.Description,
		&limits, &agent.LifecycleState, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(limits) > 0 {
		_ = json.Unmarshal(limits, &agent.ResourceLimits)
	}
	return &agent, nil
}
