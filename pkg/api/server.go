// Package api is the HTTP surface of the control plane: chat and steering
// endpoints, live event streams, job and binding management, and approval
// decisions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/queue"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
	"github.com/wheelhouse-io/wheelhouse/pkg/version"
)

// AgentStore is the read surface over registered agents.
type AgentStore interface {
	Get(ctx context.Context, agentID string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
}

// JobStore covers job enqueue and inspection.
type JobStore interface {
	Enqueue(ctx context.Context, in services.EnqueueInput) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter services.ListFilter) ([]*models.Job, error)
	Events(ctx context.Context, jobID string) ([]models.JobEvent, error)
	Retry(ctx context.Context, jobID string) error
}

// SessionStore covers chat session persistence.
type SessionStore interface {
	FindOrCreateActive(ctx context.Context, agentID, userAccountID, channelID string) (*models.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) (*models.SessionMessage, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error)
}

// BindingStore covers channel binding management.
type BindingStore interface {
	Bind(ctx context.Context, agentID, channelType, chatID string, isDefault bool) (*models.ChannelBinding, error)
	Unbind(ctx context.Context, bindingID string) error
	ListForAgent(ctx context.Context, agentID string) ([]models.ChannelBinding, error)
}

// ApprovalDecider records approval decisions, by callback token or by
// authenticated API call.
type ApprovalDecider interface {
	DecideByToken(ctx context.Context, approvalID, token, decidedBy string) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, approvalID string, decision models.ApprovalStatus, decidedBy, note string) (*models.ApprovalRequest, error)
}

// ReviewStore reads persisted review chain runs.
type ReviewStore interface {
	GetRun(ctx context.Context, runID string) (*services.ReviewRun, error)
}

// JobCanceller cancels a running job in the worker pool.
type JobCanceller interface {
	CancelJob(jobID string) bool
}

// PoolStatus reports worker pool health.
type PoolStatus interface {
	Health() *queue.PoolHealth
}

// Deps collects everything the server routes to. Hub and Lifecycle are
// required; the rest may be nil, disabling their endpoints with 503.
type Deps struct {
	Agents    AgentStore
	Jobs      JobStore
	Sessions  SessionStore
	Bindings  BindingStore
	Approvals ApprovalDecider
	Reviews   ReviewStore
	Hub       *stream.Hub
	Lifecycle *lifecycle.Manager
	Pool      JobCanceller
	// PoolHealth feeds the system health endpoint; usually the same
	// worker pool as Pool.
	PoolHealth PoolStatus
	Metrics    http.Handler
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr string
	// AuthTokens is the accepted bearer token / API key set. Empty
	// disables authentication (tests, local development).
	AuthTokens []string
	// StreamScopes maps an agent-scoped bearer token to the only agent
	// whose stream it may read. Scoped tokens cannot reach any other
	// endpoint.
	StreamScopes map[string]string
	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64
	// WaitTimeout bounds synchronous chat requests (wait=true).
	WaitTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	cfg    Config
	router *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the router. Start must be called to serve.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default().With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(bodyLimit(cfg.MaxBodyBytes))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	if len(cfg.AuthTokens) > 0 || len(cfg.StreamScopes) > 0 {
		v1.Use(authRequired(cfg.AuthTokens, cfg.StreamScopes))
		v1.Use(csrfGuard())
		v1.Use(streamScopeGuard())
	}

	v1.GET("/agents", s.handleListAgents)
	v1.GET("/agents/:agentId", s.handleGetAgent)
	v1.POST("/agents/:agentId/chat", s.handleChat)
	v1.POST("/agents/:agentId/steer", s.handleSteer)
	v1.GET("/agents/:agentId/stream", s.handleStream)
	v1.GET("/agents/:agentId/ws", s.handleWS)

	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:jobId", s.handleGetJob)
	v1.GET("/jobs/:jobId/timeline", s.handleJobTimeline)
	v1.POST("/jobs/:jobId/retry", s.handleRetryJob)
	v1.POST("/jobs/:jobId/cancel", s.handleCancelJob)

	v1.POST("/approvals/:approvalId/decision", s.handleApprovalDecision)

	v1.GET("/agents/:agentId/bindings", s.handleListBindings)
	v1.POST("/agents/:agentId/bindings", s.handleCreateBinding)
	v1.DELETE("/bindings/:bindingId", s.handleDeleteBinding)

	v1.GET("/plans/runs/:runId/timeline", s.handleReviewTimeline)

	v1.GET("/system/health", s.handleSystemHealth)

	s.router = r
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API listening", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSystemHealth reports the pod's version and worker pool state.
func (s *Server) handleSystemHealth(c *gin.Context) {
	body := gin.H{"version": version.Full()}
	if s.deps.PoolHealth != nil {
		body["pool"] = s.deps.PoolHealth.Health()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleReadyz(c *gin.Context) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(c.Request.Context()); err != nil {
			respondError(c, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
