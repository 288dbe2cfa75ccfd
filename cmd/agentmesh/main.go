// Package main is the unified entry point for Agentmesh. A single binary
// runs the orchestrator, transport, scheduler and HTTP/WebSocket surface
// with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	// Common packages
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/database"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"

	// Event bus
	"github.com/agentmesh/agentmesh/internal/events/bus"

	// WebSocket gateway
	gateway "github.com/agentmesh/agentmesh/internal/gateway/websocket"

	// A2A transport and task table
	"github.com/agentmesh/agentmesh/internal/a2a"
	a2ahandlers "github.com/agentmesh/agentmesh/internal/a2a/handlers"

	// Agent registry
	agenthandlers "github.com/agentmesh/agentmesh/internal/agent/handlers"
	"github.com/agentmesh/agentmesh/internal/agent/registry"
	agentrepo "github.com/agentmesh/agentmesh/internal/agent/repository"

	// Artifact store and file endpoints
	"github.com/agentmesh/agentmesh/internal/artifact"
	fileshandlers "github.com/agentmesh/agentmesh/internal/files/handlers"

	// Orchestrator
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	orchestratorhandlers "github.com/agentmesh/agentmesh/internal/orchestrator/handlers"

	// Schedules
	schedulehandlers "github.com/agentmesh/agentmesh/internal/schedule/handlers"
	schedulerepo "github.com/agentmesh/agentmesh/internal/schedule/repository"
	scheduleservice "github.com/agentmesh/agentmesh/internal/schedule/service"

	// Sessions
	"github.com/agentmesh/agentmesh/internal/session"

	// Users and auth
	userhandlers "github.com/agentmesh/agentmesh/internal/user/handlers"
	userrepo "github.com/agentmesh/agentmesh/internal/user/repository"
	userservice "github.com/agentmesh/agentmesh/internal/user/service"

	// Workflows
	workflowhandlers "github.com/agentmesh/agentmesh/internal/workflow/handlers"
	workflowrepo "github.com/agentmesh/agentmesh/internal/workflow/repository"
	workflowservice "github.com/agentmesh/agentmesh/internal/workflow/service"
)

const version = "1.0.0"

func main() {
	// 1. Load environment and configuration
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentmesh...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Open the repository backing store
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Database ready", zap.String("driver", db.Driver))

	// ============================================
	// AGENT REGISTRY
	// ============================================
	agentRepository, err := agentrepo.NewSQLRepository(db)
	if err != nil {
		log.Fatal("Failed to initialize agent repository", zap.Error(err))
	}
	agentRegistry := registry.NewRegistry(agentRepository, log)
	if err := agentRegistry.Load(ctx); err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}
	seedPath := os.Getenv("AGENTMESH_AGENTS_FILE")
	if seedPath == "" {
		seedPath = "./agents.yaml"
	}
	if err := agentRegistry.LoadSeedFile(ctx, seedPath); err != nil {
		log.Fatal("Failed to apply agent seed file", zap.Error(err))
	}
	log.Info("Agent registry loaded", zap.Int("agents", len(agentRegistry.List())))

	sessions := session.NewRegistry(log)

	// ============================================
	// ARTIFACT STORE
	// ============================================
	localBackend, err := artifact.NewLocalBackend(cfg.Blob.LocalPath)
	if err != nil {
		log.Fatal("Failed to initialize local artifact backend", zap.Error(err))
	}
	// No remote blob backend is wired in this build: the local backend
	// serves both roles, so FORCE_AZURE_BLOB and the size threshold have no
	// effect here. No purge hook either; no vector store runs in-process.
	store := artifact.NewStore(cfg.Blob, nil, localBackend, log)

	// ============================================
	// A2A TRANSPORT
	// ============================================
	tasks := a2a.NewManager(eventBus, log)
	transport := a2a.NewClient(cfg.Transport, tasks, eventBus, store, log)

	// ============================================
	// ORCHESTRATOR
	// ============================================
	llm := orchestrator.NewAnthropicLLM(os.Getenv("ANTHROPIC_API_KEY"), cfg.Orchestrator.Model)
	orch := orchestrator.NewHostOrchestrator(llm, transport, tasks, eventBus, cfg.Orchestrator, log)
	executor := orchestrator.NewExecutor(orch, eventBus, log)
	log.Info("Orchestrator initialized", zap.String("model", cfg.Orchestrator.Model))

	// ============================================
	// WORKFLOWS
	// ============================================
	workflowRepository, err := workflowrepo.NewSQLWorkflowRepository(db)
	if err != nil {
		log.Fatal("Failed to initialize workflow repository", zap.Error(err))
	}
	activeRepository := workflowrepo.NewSQLActiveWorkflowRepository(db)
	workflows := workflowservice.NewService(workflowRepository, activeRepository, eventBus, log)

	// ============================================
	// SCHEDULER
	// ============================================
	scheduleRepository, err := schedulerepo.NewSQLScheduleRepository(db)
	if err != nil {
		log.Fatal("Failed to initialize schedule repository", zap.Error(err))
	}
	runRepository := schedulerepo.NewSQLRunRepository(db)
	scheduler := scheduleservice.NewScheduler(cfg.Scheduler, scheduleRepository, runRepository,
		agentRegistry, workflows, executor, log)
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		log.Info("Scheduler started")
	} else {
		log.Info("Scheduler disabled")
	}

	// ============================================
	// AUTH
	// ============================================
	userRepository, err := userrepo.NewSQLUserRepository(db)
	if err != nil {
		log.Fatal("Failed to initialize user repository", zap.Error(err))
	}
	auth := userservice.NewService(userRepository, cfg.Auth, log)

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	hub := gateway.NewHub(eventBus, log)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())

	api := router.Group("/api")
	authed := router.Group("/api", httpmw.RequireAuth(auth))

	userhandlers.NewHandler(auth, log).RegisterRoutes(api)
	agenthandlers.NewHandler(agentRegistry, transport, log).RegisterRoutes(api)
	workflowhandlers.NewHandler(workflows, log).RegisterRoutes(authed, api)
	orchestratorhandlers.NewHandler(orch, sessions, agentRegistry, workflows, log).RegisterRoutes(api)
	schedulehandlers.NewHandler(scheduler, log).RegisterRoutes(api)
	// Transcriber, ingester and memory purger are nil: speech-to-text and
	// the vector store are external services not shipped with this binary.
	fileshandlers.NewHandler(store, eventBus, nil, nil, nil, log).RegisterRoutes(router, api)
	a2ahandlers.NewHandler(tasks, transport, agentRegistry, log).RegisterRoutes(api)
	gateway.NewHandler(hub, log).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"websocket_enabled": true,
			"auth_method":       "jwt",
			"version":           version,
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/events"),
		zap.String("health", "/health"),
		zap.String("http", "/api"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agentmesh...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		scheduler.Stop(shutdownCtx)
	}
	hub.Close()

	log.Info("Agentmesh stopped")
}
