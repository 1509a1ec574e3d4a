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

// SessionService manages conversational sessions and their transcripts.
// At most one active session exists per (agent, user, channel); the
// database enforces this with a partial unique index.
type SessionService struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionService creates a session service with the given idle TTL.
func NewSessionService(db *sql.DB, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{
		db:     db,
		ttl:    ttl,
		logger: slog.Default().With("component", "session-service"),
		now:    time.Now,
	}
}

const sessionColumns = `id, agent_id, user_account_id, channel_id, status,
	created_at, updated_at, expires_at, ended_at`

// FindOrCreateActive returns the active session for (agent, user,
// channel), creating one when none exists. An expired active session is
// ended and replaced. Touching an existing session slides its expiry
// only once the remaining TTL has dropped below 90%, keeping the write
// rate bounded on chatty channels.
func (s *SessionService) FindOrCreateActive(ctx context.Context, agentID, userAccountID, channelID string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting session transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE agent_id = $1 AND user_account_id = $2 AND channel_id = $3
		  AND status = 'active'
		FOR UPDATE`, agentID, userAccountID, channelID)

	session, err := scanSession(row)
	switch {
	case err == nil:
		if session.ExpiresAt != nil && !session.ExpiresAt.After(now) {
			// Stale active session: end it and fall through to create.
			if err := endSessionTx(ctx, tx, session.ID, now); err != nil {
				return nil, err
			}
		} else {
			if session.ExpiresAt == nil || session.ExpiresAt.Sub(now) < time.Duration(float64(s.ttl)*0.9) {
				newExpiry := now.Add(s.ttl)
				_, err = tx.ExecContext(ctx, `
					UPDATE sessions SET expires_at = $2, updated_at = $3 WHERE id = $1`,
					session.ID, newExpiry, now)
				if err != nil {
					return nil, fmt.Errorf("sliding session expiry: %w", err)
				}
				session.ExpiresAt = &newExpiry
				session.UpdatedAt = now
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("committing session touch: %w", err)
			}
			return session, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// Create below.
	default:
		return nil, fmt.Errorf("querying active session: %w", err)
	}

	expiresAt := now.Add(s.ttl)
	session = &models.Session{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		UserAccountID: userAccountID,
		ChannelID:     channelID,
		Status:        models.SessionStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     &expiresAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, user_account_id, channel_id, status,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $5, $6)`,
		session.ID, agentID, userAccountID, channelID, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session create: %w", err)
	}

	s.logger.Info("Session created",
		"session_id", session.ID, "agent_id", agentID, "channel_id", channelID)
	return session, nil
}

// Get loads one session.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return session, nil
}

// AppendMessage adds one transcript entry to an active session.
func (s *SessionService) AppendMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) (*models.SessionMessage, error) {
	var status models.SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if status != models.SessionStatusActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionEnded)
	}

	msg := &models.SessionMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO session_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, role, content, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("appending message to session %s: %w", sessionID, err)
	}
	return msg, nil
}

// History returns the most recent transcript entries in chronological
// order, capped at limit.
func (s *SessionService) History(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM (
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = $1
			ORDER BY id DESC LIMIT $2
		) recent
		ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// End closes a session. Ending an already-ended session is a no-op.
func (s *SessionService) End(ctx context.Context, sessionID string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'`, sessionID, now)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	return nil
}

// ExpireStale ends active sessions past their expiry. Returns the count.
func (s *SessionService) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = $1, updated_at = $1
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Expired stale sessions", "count", n)
	}
	return n, nil
}

func endSessionTx(ctx context.Context, tx execer, sessionID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = $2, updated_at = $2
		WHERE id = $1`, sessionID, now)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session   models.Session
		expiresAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(&session.ID, &session.AgentID, &session.UserAccountID,
		&session.ChannelID, &session.Status, &session.CreatedAt, &session.UpdatedAt,
		&expiresAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		session.ExpiresAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	return &session, nil
}
