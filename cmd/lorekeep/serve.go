package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/alerts"
	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/controlplane"
	"github.com/lorekeep/lorekeep/internal/dialog"
	"github.com/lorekeep/lorekeep/internal/evidence"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/server"
	"github.com/lorekeep/lorekeep/internal/storage"
	"github.com/lorekeep/lorekeep/internal/tool"
	"github.com/lorekeep/lorekeep/internal/toolclient"
	"github.com/lorekeep/lorekeep/internal/trace"
	"github.com/lorekeep/lorekeep/internal/workers"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		sandbox    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dialog service",
		Long: `Start the HTTP server, background workers, and all stores.

Sandbox mode replaces every external network dependency with an
offline stand-in: the canned LLM provider, the in-memory cache, the
local session store, and the no-op embedder. Postgres is still
required; it holds the evidence corpus, traces, and control plane.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, sandbox)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lorekeep.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&sandbox, "sandbox", false, "Run offline with canned providers")
	return cmd
}

func runServe(ctx context.Context, configPath string, sandbox bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if sandbox {
		cfg.Sandbox = true
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required to serve")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "lorekeep",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn(context.Background(), "tracer shutdown failed", "error", err)
		}
	}()

	logger.Info(ctx, "starting lorekeep",
		"version", version,
		"addr", cfg.Server.Addr,
		"llm_provider", cfg.LLM.Provider,
		"sandbox", cfg.Sandbox,
	)

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return err
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info(ctx, "migrations applied", "count", len(applied))
	}

	// Caches. L1 is always the in-process cache; L2 is Redis when
	// configured and we are not sandboxed.
	l1 := cache.NewMemoryCache(4096)
	defer l1.Close()
	var l2 cache.Cache
	var sessions memory.Store = memory.NewLocalStore()
	if !cfg.Sandbox && cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisCache.Close()
		l2 = redisCache
		sessions = memory.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}
	toolCache := cache.Cache(l1)
	if l2 != nil {
		toolCache = l2
	}

	// Evidence corpus, vector index, and the hybrid retriever.
	evidenceStore := evidence.NewPostgresStore(db)
	var embedder evidence.Embedder = evidence.NoopEmbedder{}
	if !cfg.Sandbox && cfg.Embedding.Provider == "openai" {
		embedder = evidence.NewOpenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimension)
	}
	var index *evidence.QdrantIndex
	var vectors evidence.VectorSearcher
	if !cfg.Sandbox && cfg.Qdrant.Host != "" {
		index, err = evidence.NewQdrantIndex(cfg.Qdrant)
		if err != nil {
			return fmt.Errorf("connect qdrant: %w", err)
		}
		vectors = index
	}
	retriever := evidence.NewRetriever(evidenceStore, vectors, embedder, logger,
		evidence.WithWeights(cfg.Retrieval.TrgmWeight, cfg.Retrieval.QdrantWeight),
		evidence.WithMetrics(metrics),
	)

	// Trace ledger and replay.
	ledger := trace.NewLedger(db, logger)
	replayer := trace.NewReplayer(ledger, evidenceStore, sessions)

	// Tool surface.
	registry := tool.NewRegistry()
	registryStore := tool.NewRegistryStore(db)
	if err := tool.RegisterBuiltins(registry, tool.Builtins{
		Store:     registryStore,
		Retriever: retriever,
		SiteMaps:  registryStore,
	}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	executor := tool.NewExecutor(registry, logger,
		tool.WithTraceAppender(ledger),
		tool.WithExecutorMetrics(metrics),
		tool.WithExecutorTracer(tracer),
	)
	toolClient := toolclient.New(executor, logger, toolclient.WithCache(toolCache))

	// Control plane.
	policies := controlplane.NewPolicyStore(db, l1, l2, logger)
	releases := controlplane.NewReleaseStore(db, l1, l2, logger)
	experiments := controlplane.NewExperimentStore(db, ledger, logger)

	// LLM.
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	llmClient := llm.NewClient(provider, logger,
		llm.WithClientMetrics(metrics),
		llm.WithAuditSink(ledger),
	)

	// Dialog runtime.
	gates := dialog.NewPolicyGates(policies, nil, logger)
	runtime := dialog.NewRuntime(toolClient, gates, llmClient, sessions, ledger, logger,
		dialog.WithReleaseSource(releases, experiments),
		dialog.WithMetrics(metrics),
		dialog.WithTracer(tracer),
	)

	// Alerting.
	events := alerts.NewEventStore(db)
	evaluatorOpts := []alerts.EvaluatorOption{
		alerts.WithObservability(metrics),
		alerts.WithReleaseContext(releases),
	}
	if cfg.Alerts.WebhookURL != "" {
		evaluatorOpts = append(evaluatorOpts,
			alerts.WithNotifier(alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout)))
	}
	evaluator := alerts.NewEvaluator(policies, ledger, events, logger, evaluatorOpts...)

	// Background workers.
	if cfg.Workers.Enabled {
		runner := workers.NewRunner(logger, workers.WithJobTimeout(cfg.Workers.JobTimeout))
		alertJob := workers.NewAlertJob(ledger, evaluator, cfg.Workers.AlertLookback, logger)
		if err := runner.Add(cfg.Workers.AlertSchedule, alertJob); err != nil {
			return fmt.Errorf("schedule %s: %w", alertJob.Name(), err)
		}
		if index != nil {
			backfill := workers.NewBackfillJob(evidenceStore, embedder, index, cfg.Workers.BatchSize, logger)
			if err := runner.Add(cfg.Workers.BackfillSchedule, backfill); err != nil {
				return fmt.Errorf("schedule %s: %w", backfill.Name(), err)
			}
			refresh := workers.NewRefreshJob(evidenceStore, embedder, index, cfg.Workers.BatchSize, cfg.Workers.EmbeddingMaxAge, logger)
			if err := runner.Add(cfg.Workers.RefreshSchedule, refresh); err != nil {
				return fmt.Errorf("schedule %s: %w", refresh.Name(), err)
			}
		}
		runner.Start()
		defer runner.Stop()
	}

	srv := server.New(server.Deps{
		Registry:    registry,
		Executor:    executor,
		Chat:        runtime,
		Traces:      ledger,
		Replay:      replayer,
		Sessions:    sessions,
		Policies:    policies,
		Releases:    releases,
		Experiments: experiments,
		Alerts:      events,
		Evaluator:   evaluator,
		Logger:      logger,
		Metrics:     metrics,
		APIKey:      cfg.Server.APIKey,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info(ctx, "listening", "addr", cfg.Server.Addr)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	if cfg.Sandbox {
		return llm.SandboxProvider{}, nil
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.Model), nil
	case "openai":
		return llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.Model), nil
	case "sandbox":
		return llm.SandboxProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
