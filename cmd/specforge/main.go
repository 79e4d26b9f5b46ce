package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/api"
	"github.com/halcyonlabs/specforge/internal/conductor"
	"github.com/halcyonlabs/specforge/internal/config"
	"github.com/halcyonlabs/specforge/internal/discovery"
	"github.com/halcyonlabs/specforge/internal/dispatch"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/embedding"
	"github.com/halcyonlabs/specforge/internal/events"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/guardian"
	"github.com/halcyonlabs/specforge/internal/merge"
	"github.com/halcyonlabs/specforge/internal/mirror"
	"github.com/halcyonlabs/specforge/internal/notify"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"github.com/halcyonlabs/specforge/internal/orchestrator"
	"github.com/halcyonlabs/specforge/internal/phase"
	"github.com/halcyonlabs/specforge/internal/scheduler"
	pgstore "github.com/halcyonlabs/specforge/internal/store"
	"github.com/halcyonlabs/specforge/internal/validator"
	"github.com/halcyonlabs/specforge/internal/vectorstore"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// eventBus is the shared bus surface: core publishes, side consumers
// (Slack, Neo4j mirror) subscribe.
type eventBus interface {
	graph.EventSink
	Subscribe(ctx context.Context) <-chan domain.Event
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting SpecForge...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/specforge.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: Redis Streams when available, in-memory otherwise
	var bus eventBus
	redisBus, busErr := events.NewRedisBus(cfg.Database.Redis.URL, logger)
	if busErr != nil {
		logger.Warn("Redis unavailable, events stay in-process", zap.Error(busErr))
		bus = events.NewMemoryBus()
	} else {
		bus = redisBus
	}

	// Task graph and phase machine
	g := graph.NewStore(bus, logger)
	machine := phase.NewMachine(phase.NewReadinessGate(g), phase.Config{
		GateThreshold:  cfg.Orchestrator.GateThreshold,
		MaxGateRetries: cfg.Orchestrator.MaxGateRetries,
	}, bus, logger)

	// Oracle
	var judge oracle.Oracle
	switch cfg.Oracle.Provider {
	case "llm":
		judge = oracle.NewLLM(oracle.Config{
			Endpoint: cfg.Oracle.Endpoint,
			APIKey:   cfg.Oracle.APIKey,
			Model:    cfg.Oracle.Model,
		}, logger)
	default:
		judge = oracle.NewHeuristic()
		logger.Info("using heuristic oracle", zap.String("provider", cfg.Oracle.Provider))
	}

	// Similarity index: Qdrant when available, hashing fallback otherwise
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	var index discovery.Index
	qdrant, qErr := vectorstore.NewClient(vectorstore.Config{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if qErr == nil {
		qIndex, idxErr := discovery.NewQdrantIndex(ctx, qdrant, embedder, cfg.Database.Qdrant.Collection)
		if idxErr != nil {
			logger.Warn("Qdrant unavailable, similarity runs in-memory", zap.Error(idxErr))
		} else {
			index = qIndex
		}
	} else {
		logger.Warn("Qdrant unavailable, similarity runs in-memory", zap.Error(qErr))
	}
	if index == nil {
		index = discovery.NewMemoryIndex(embedder)
	}

	// PostgreSQL persistence
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.Migrations
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ps.Migrate(ctx, migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
		}
	}

	// Neo4j lineage mirror
	taskMirror, mirErr := mirror.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
	if mirErr == nil && taskMirror.Ping(ctx) != nil {
		mirErr = fmt.Errorf("neo4j unreachable at %s", cfg.Database.Neo4j.URI)
		taskMirror = nil
	}
	if mirErr != nil {
		logger.Warn("Neo4j unavailable, running without lineage mirror", zap.Error(mirErr))
	}

	// Sandbox dispatch
	backend := dispatch.NewHTTPBackend(dispatch.BackendConfig{
		Endpoint: cfg.Sandbox.Endpoint,
		APIKey:   cfg.Sandbox.APIKey,
	}, logger)
	disp := dispatch.New(backend, g, dispatch.Config{
		HeartbeatInterval: time.Duration(cfg.Orchestrator.HeartbeatSeconds) * time.Second,
		StaleThreshold:    time.Duration(cfg.Orchestrator.StaleSeconds) * time.Second,
		Timeout:           time.Duration(cfg.Orchestrator.AttemptTimeoutMins) * time.Minute,
		MaxInterventions:  cfg.Orchestrator.MaxInterventions,
		MaxRetries:        cfg.Orchestrator.MaxTaskRetries,
	}, bus, logger)

	sched := scheduler.New(g, disp, nil, scheduler.Config{
		MaxGlobal:    cfg.Orchestrator.MaxConcurrent,
		MaxPerSpec:   cfg.Orchestrator.MaxPerSpec,
		TickInterval: time.Duration(cfg.Orchestrator.TickSeconds) * time.Second,
	}, bus, logger)

	check := validator.New(judge, nil, validator.Config{
		MaxRetries: cfg.Orchestrator.MaxValidationRetries,
	}, logger)

	disc := discovery.New(g, index, sched, discovery.Config{
		SimilarityThreshold: cfg.Orchestrator.SimilarityThreshold,
	}, bus, logger)

	merger := merge.New(merge.NewHTTPHost(merge.HostConfig{
		Endpoint: cfg.Git.Endpoint,
		Token:    cfg.Git.Token,
	}, logger), g, bus, logger)

	watchdog := guardian.New(judge, g, disp, guardian.Config{
		Interval: time.Duration(cfg.Orchestrator.GuardianSeconds) * time.Second,
	}, bus, logger)

	deps := orchestrator.Deps{
		Machine:   machine,
		Graph:     g,
		Scheduler: sched,
		Dispatch:  disp,
		Validator: check,
		Merger:    merger,
		Discovery: disc,
		Monitors:  []orchestrator.Runnable{watchdog},
		Events:    bus,
		Logger:    logger,
	}
	if pg != nil {
		deps.Persist = pg
	}
	orch := orchestrator.New(deps)

	// The conductor pauses specs through the orchestrator, so it runs
	// outside the orchestrator's own monitor set.
	cond := conductor.New(judge, g, disp, orch, conductor.Config{
		Interval:           time.Duration(cfg.Orchestrator.ConductorSeconds) * time.Second,
		DuplicateThreshold: cfg.Orchestrator.SimilarityThreshold,
	}, bus, logger)
	go cond.Run(ctx)
	go orch.Run(ctx)

	// Slack notifications
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		notifier := notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, logger)
		go notifier.Watch(ctx, bus.Subscribe(ctx))
		logger.Info("Slack notifier started", zap.String("channel", cfg.Slack.Channel))
	}

	// Mirror task lineage into Neo4j as task events arrive
	if taskMirror != nil {
		go func() {
			for ev := range bus.Subscribe(ctx) {
				switch ev.Type {
				case domain.EventTaskCreated, domain.EventTaskDone, domain.EventTaskFailed, domain.EventDiscoveryAccepted:
				default:
					continue
				}
				taskID, parseErr := uuid.Parse(ev.EntityID)
				if parseErr != nil {
					continue
				}
				task, taskErr := g.Task(ev.SpecID, taskID)
				if taskErr != nil {
					continue
				}
				if syncErr := taskMirror.SyncTask(ctx, task); syncErr != nil {
					logger.Debug("lineage mirror sync failed",
						zap.String("task", taskID.String()), zap.Error(syncErr))
				}
			}
		}()
	}

	// Build HTTP handler. The interface stays nil when the mirror is
	// down so lineage routes answer 503 instead of panicking.
	var lineageMirror api.GraphMirror
	if taskMirror != nil {
		lineageMirror = taskMirror
	}
	handler := api.NewHandler(orch, machine, g, disp, watchdog, lineageMirror, logger)

	// Start server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("SpecForge listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down SpecForge...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if redisBus != nil {
		redisBus.Close()
	}
	if pg != nil {
		pg.Close()
	}
	if taskMirror != nil {
		taskMirror.Close(shutdownCtx)
	}
	if qErr == nil {
		qdrant.Close()
	}
}
