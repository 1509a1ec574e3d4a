// Command wheelhouse runs the agent control plane: the worker pool, the
// provider router, channel adapters and the HTTP API, in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wheelhouse-io/wheelhouse/pkg/agentexec"
	"github.com/wheelhouse-io/wheelhouse/pkg/api"
	"github.com/wheelhouse-io/wheelhouse/pkg/approval"
	"github.com/wheelhouse-io/wheelhouse/pkg/breaker"
	"github.com/wheelhouse-io/wheelhouse/pkg/channels"
	"github.com/wheelhouse-io/wheelhouse/pkg/cleanup"
	"github.com/wheelhouse-io/wheelhouse/pkg/config"
	"github.com/wheelhouse-io/wheelhouse/pkg/database"
	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/masking"
	"github.com/wheelhouse-io/wheelhouse/pkg/memory"
	"github.com/wheelhouse-io/wheelhouse/pkg/metrics"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/queue"
	"github.com/wheelhouse-io/wheelhouse/pkg/secrets"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
	"github.com/wheelhouse-io/wheelhouse/pkg/skills"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
	"github.com/wheelhouse-io/wheelhouse/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to wheelhouse.yaml (providers, cron, retention)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded", "error", err)
	}

	slog.Info("Starting wheelhouse", "version", version.Full())

	// 1. Configuration
	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	fileCfg := &config.FileConfig{}
	if *configPath != "" {
		fileCfg, err = config.LoadFile(*configPath)
		if err != nil {
			slog.Error("Failed to load config file", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 2. Database (migrations run on connect)
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	initCtx, initCancel := context.WithTimeout(rootCtx, 30*time.Second)
	db, err := database.NewClient(initCtx, dbCfg)
	initCancel()
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	slog.Info("Database ready", "host", dbCfg.Host, "database", dbCfg.Database)

	// 3. Stores
	jobs := services.NewJobService(db.DB(), services.DefaultRetryPolicy())
	sessions := services.NewSessionService(db.DB(), settings.SessionTTL)
	agents := services.NewAgentService(db.DB())
	approvals := services.NewApprovalService(db.DB())
	bindings := services.NewBindingService(db.DB())
	reviews := services.NewReviewService(db.DB())

	// 4. Provider fleet
	registry := provider.NewRegistry()
	if err := registerProviders(registry, fileCfg.Providers); err != nil {
		slog.Error("Failed to register providers", "error", err)
		os.Exit(1)
	}
	if len(fileCfg.Providers) == 0 {
		slog.Warn("No providers configured; chat jobs will dead-letter until some are")
	}

	// 5. Streaming hub and agent lifecycle
	hub := stream.NewHub(256, 5*time.Second)
	agentStates := lifecycle.NewManager()

	// 6. Channels
	chRegistry := channels.NewRegistry()
	dispatcher := channels.NewDispatcher(chRegistry, bindings, sessions, jobs)
	if settings.TelegramBotToken != "" {
		tg, err := channels.NewTelegramAdapter(channels.TelegramConfig{
			BotToken:     settings.TelegramBotToken,
			AllowedUsers: settings.TelegramAllowedUsers,
		})
		if err != nil {
			slog.Error("Failed to build Telegram adapter", "error", err)
			os.Exit(1)
		}
		tg.OnMessage(dispatcher.HandleMessage)
		if err := chRegistry.Register(tg); err != nil {
			slog.Error("Failed to register Telegram adapter", "error", err)
			os.Exit(1)
		}
	}
	if settings.SlackToken != "" {
		sl, err := channels.NewSlackAdapter(channels.SlackConfig{Token: settings.SlackToken})
		if err != nil {
			slog.Error("Failed to build Slack adapter", "error", err)
			os.Exit(1)
		}
		if err := chRegistry.Register(sl); err != nil {
			slog.Error("Failed to register Slack adapter", "error", err)
			os.Exit(1)
		}
	}
	if err := chRegistry.StartAll(rootCtx); err != nil {
		slog.Error("Failed to start channel adapters", "error", err)
		os.Exit(1)
	}
	supervisor := channels.NewSupervisor(chRegistry, channels.SupervisorConfig{})
	supervisor.Start(rootCtx)

	// 7. Approval gate
	var gate *approval.Gate
	if settings.ApprovalSigningKey != "" {
		signer, err := approval.NewSigner([]byte(settings.ApprovalSigningKey))
		if err != nil {
			slog.Error("Failed to build approval signer", "error", err)
			os.Exit(1)
		}
		gate = approval.NewGate(approvals, bindings, signer, dispatcher)
		if settings.CredentialMasterKey != "" {
			vault, err := secrets.NewVault(settings.CredentialMasterKey)
			if err != nil {
				slog.Error("Failed to build secrets vault", "error", err)
				os.Exit(1)
			}
			gate.UseVault(vault)
		}
	} else {
		slog.Warn("APPROVAL_SIGNING_KEY not set; approval gate disabled")
	}

	// 8. Memory pipeline and markdown sync
	memStore := memory.NewPGStore(db.DB())
	embedder := agentexec.NewRouterEmbedder(registry)
	extractor := agentexec.NewRouterExtractor(registry)
	pipeline := memory.NewPipeline(memStore, embedder, extractor)
	startMemorySync(rootCtx, settings.MemoryDir, memStore, embedder)

	// 9. Skill index
	var skillIdx *skills.Index
	if settings.SkillsDir != "" {
		skillIdx, err = skills.NewIndex(settings.SkillsDir)
		if err != nil {
			slog.Error("Failed to build skill index", "dir", settings.SkillsDir, "error", err)
			os.Exit(1)
		}
	}

	// 10. Metrics
	m := metrics.New()
	m.WatchRouting(registry)
	for _, spec := range fileCfg.Providers {
		if b := registry.Breaker(spec.ID); b != nil {
			m.WatchBreaker(b)
		}
	}

	// 11. Worker pool and task handlers
	executor := agentexec.NewExecutor(registry, agentStates, hub, jobs, skillIdx, dispatcher,
		agentexec.Config{
			BufferDir:    settings.BufferDir,
			Redactor:     masking.NewRedactor(nil),
			PlanReviewer: agentexec.NewPlanReviewer(registry, reviews, 3),
		})
	var expirer agentexec.ApprovalExpirer
	if gate != nil {
		expirer = gate
	}
	sweeps := agentexec.NewSweeps(sessions, pipeline, expirer, nil)

	poolCfg := queue.DefaultConfig()
	poolCfg.WorkerCount = settings.WorkerConcurrency
	poolCfg.GracefulShutdownTimeout = settings.ShutdownGrace
	pool := queue.NewPool(settings.PodID, jobs, poolCfg, hub)
	pool.Register(models.PayloadChatResponse, executor)
	pool.Register(models.PayloadMemoryExtract, queue.HandlerFunc(sweeps.ExtractMemories))
	pool.Register(models.PayloadApprovalExpire, queue.HandlerFunc(sweeps.ExpireApprovals))
	pool.Register(models.PayloadCorrectionStrengthen, queue.HandlerFunc(sweeps.StrengthenCorrections))
	pool.Register(models.PayloadProactiveDetect, queue.HandlerFunc(sweeps.DetectCrossSignals))
	for _, entry := range fileCfg.Cron {
		cronEntry := queue.CronEntry{Spec: entry.Spec, TaskName: entry.Task, AgentID: entry.AgentID}
		if entry.Payload != "" {
			cronEntry.Payload = []byte(entry.Payload)
		}
		if err := pool.Schedule(cronEntry); err != nil {
			slog.Error("Failed to schedule cron entry", "spec", entry.Spec, "task", entry.Task, "error", err)
			os.Exit(1)
		}
	}
	m.WatchPool(pool)
	if err := pool.Start(rootCtx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker pool running", "pod_id", settings.PodID, "workers", poolCfg.WorkerCount)

	// 12. Retention sweeper
	cleaner := cleanup.NewService(retentionConfig(fileCfg.Retention), jobs, sessions, settings.BufferDir)
	cleaner.Start(rootCtx)

	// 13. HTTP API
	deps := api.Deps{
		Agents:     agents,
		Jobs:       jobs,
		Sessions:   sessions,
		Bindings:   bindings,
		Reviews:    reviews,
		Hub:        hub,
		Lifecycle:  agentStates,
		Pool:       pool,
		PoolHealth: pool,
		Metrics:    m.Handler(),
		Ready: func(ctx context.Context) error {
			return db.DB().PingContext(ctx)
		},
	}
	if gate != nil {
		deps.Approvals = gate
	}
	server := api.NewServer(deps, api.Config{
		ListenAddr:   settings.ListenAddr,
		AuthTokens:   settings.APITokens,
		StreamScopes: settings.StreamTokens,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 14. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Drain in dependency order: stop claiming and finish jobs, then the
	// ingress paths, then the shared infrastructure.
	pool.StopGracefully(settings.ShutdownGrace)
	cleaner.Stop()
	supervisor.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := chRegistry.StopAll(stopCtx); err != nil {
		slog.Warn("Stopping channel adapters", "error", err)
	}
	if err := server.Shutdown(stopCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	stopCancel()
	m.Stop()
	rootCancel()

	slog.Info("Shutdown complete")
}

// registerProviders builds and registers every configured backend.
func registerProviders(registry *provider.Registry, specs []config.ProviderSpec) error {
	for _, spec := range specs {
		var backend provider.Backend
		switch spec.Type {
		case "http":
			backend = provider.NewHTTPBackend(provider.HTTPBackendConfig{
				ID:      spec.ID,
				BaseURL: spec.BaseURL,
				APIKey:  spec.APIKey,
				Model:   spec.Model,
				Timeout: spec.Timeout,
			})
		case "sidecar":
			sc, err := provider.NewSidecarBackend(provider.SidecarConfig{
				ID:       spec.ID,
				ExecURL:  spec.ExecURL,
				GRPCAddr: spec.GRPCAddr,
				Timeout:  spec.Timeout,
			})
			if err != nil {
				return err
			}
			backend = sc
		default:
			return fmt.Errorf("provider %s: unknown type %q", spec.ID, spec.Type)
		}

		entry := provider.EntryConfig{
			Priority:    spec.Priority,
			MaxInFlight: spec.MaxInFlight,
		}
		if spec.Breaker != nil {
			cfg := breaker.DefaultConfig()
			if spec.Breaker.FailureThreshold > 0 {
				cfg.FailureThreshold = spec.Breaker.FailureThreshold
			}
			if spec.Breaker.OpenDuration > 0 {
				cfg.OpenDuration = spec.Breaker.OpenDuration
			}
			if spec.Breaker.HalfOpenMax > 0 {
				cfg.HalfOpenMax = spec.Breaker.HalfOpenMax
			}
			entry.Breaker = cfg
		}
		registry.Register(backend, entry)
	}
	return nil
}

// startMemorySync watches each agent's markdown directory. Layout is
// one subdirectory per agent id under memoryDir.
func startMemorySync(ctx context.Context, memoryDir string, store memory.VectorStore, embedder memory.Embedder) {
	if memoryDir == "" {
		return
	}
	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		slog.Warn("Memory dir not readable, markdown sync disabled", "dir", memoryDir, "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentID := entry.Name()
		syncer := memory.NewSyncer(memoryDir+"/"+agentID, "*.md", agentID, store, embedder, memory.AtomicPersister)
		go func() {
			if err := syncer.Watch(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
				slog.Error("Markdown sync watcher exited", "agent_id", agentID, "error", err)
			}
		}()
		slog.Info("Markdown memory sync watching", "agent_id", agentID)
	}
}

// retentionConfig maps the optional YAML retention block onto the
// cleanup defaults.
func retentionConfig(spec *config.RetentionSpec) cleanup.Config {
	if spec == nil {
		return cleanup.Config{}
	}
	return cleanup.Config{
		JobRetention:    spec.JobRetention,
		BufferRetention: spec.BufferRetention,
		Interval:        spec.SweepInterval,
	}
}
