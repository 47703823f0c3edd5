package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/api"
	"github.com/emberlight/convoy/internal/config"
	"github.com/emberlight/convoy/internal/embedding"
	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/memory"
	"github.com/emberlight/convoy/internal/notify"
	"github.com/emberlight/convoy/internal/orchestrator"
	"github.com/emberlight/convoy/internal/provider"
	"github.com/emberlight/convoy/internal/scheduler"
	"github.com/emberlight/convoy/internal/store"
	"github.com/emberlight/convoy/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Convoy...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/convoy.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// PostgreSQL is the system of record; everything else degrades.
	pgStore, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	if err := pgStore.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type",
				zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Optional memory collaborators: fact graph and vector index.
	var memOpts []memory.Option
	if cfg.Database.Neo4j.URI != "" {
		facts, gErr := memory.NewFactGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without fact graph", zap.Error(gErr))
		} else {
			defer facts.Close(context.Background())
			memOpts = append(memOpts, memory.WithFactStore(facts))
		}
	}
	if cfg.Database.Qdrant.Host != "" {
		qdrant, qErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without vector recall", zap.Error(qErr))
		} else {
			defer qdrant.Close()
			var embedder embedding.Provider
			embCfg := embedding.Config{
				Provider:  cfg.Embedding.Provider,
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			}
			if cfg.Embedding.Provider == "local" {
				embedder = embedding.NewLocalProvider(embCfg)
			} else {
				embedder = embedding.NewAPIProvider(embCfg)
			}
			index := vectorstore.NewMemoryIndex(embedder, qdrant, logger)
			if iErr := index.Init(context.Background()); iErr != nil {
				logger.Warn("vector index init failed", zap.Error(iErr))
			} else {
				memOpts = append(memOpts, memory.WithIndexer(index))
			}
		}
	}
	memories := memory.NewService(pgStore, cfg.Memory.ShortTermCapacity, logger, memOpts...)

	// Analytics
	metrics := analytics.New(pgStore, cfg.Analytics.BufferSize,
		cfg.Analytics.FlushInterval.Std(),
		time.Duration(cfg.Analytics.RetentionDays)*24*time.Hour, logger)
	metrics.Start()

	// Executor with the LLM step runner
	tools := agent.NewToolRegistry()
	agent.RegisterBuiltinTools(tools, memories)
	runner := executor.NewLLMRunner(router, tools, logger)
	runner.SetMetrics(metrics)
	exec := executor.New(pgStore, pgStore, runner, cfg.Executor.MaxSteps, logger)
	exec.SetMemories(memories)
	exec.SetMetrics(metrics)

	// Orchestrator and scheduler
	orch := orchestrator.New(pgStore, pgStore, exec, cfg.Executor.MaxParallel, logger)
	sched := scheduler.New(pgStore, pgStore, exec, cfg.Scheduler.PollInterval.Std(), logger)
	sched.Start()

	// Best-effort event notifications over Redis Streams.
	if cfg.Database.Redis.URL != "" {
		sink, nErr := notify.NewSink(cfg.Database.Redis.URL, logger)
		if nErr != nil {
			logger.Warn("Redis unavailable, running without notifications", zap.Error(nErr))
		} else {
			defer sink.Close()
			for _, event := range []string{
				orchestrator.EventWorkflowStarted,
				orchestrator.EventWorkflowCompleted,
				orchestrator.EventWorkflowFailed,
				orchestrator.EventStepCompleted,
			} {
				event := event
				orch.Events.On(event, func(payload any) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					sink.Publish(ctx, event, payload)
				})
			}
		}
	}

	handler := api.NewHandler(pgStore, exec, orch, sched, metrics, memories, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Convoy listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Convoy...")
	sched.Stop()
	metrics.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	pgStore.Close()
	logger.Info("Shutdown complete")
}
