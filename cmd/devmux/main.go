// Package main is the devmux hub entry point. One binary serves the REST API,
// the browser WebSocket, the agent WebSocket, and the binary terminal bridge.
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
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/agent/relay"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/httpmw"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/common/tracing"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/container/docker"
	"github.com/devmux/devmux/internal/db"
	"github.com/devmux/devmux/internal/events"
	"github.com/devmux/devmux/internal/gateway/websocket"
	"github.com/devmux/devmux/internal/reconciler"
	"github.com/devmux/devmux/internal/tabs"
	"github.com/devmux/devmux/internal/workspace"
	wscontroller "github.com/devmux/devmux/internal/workspace/controller"
	wshandlers "github.com/devmux/devmux/internal/workspace/handlers"
)

func main() {
	// 1. Load configuration
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

	log.Info("Starting devmux hub...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory unless NATS is configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Database pool + workspace store
	var pool *db.Pool
	switch cfg.Database.Driver {
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		pool, err = db.OpenSQLitePool(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()

	store, err := workspace.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize workspace store", zap.Error(err))
	}
	log.Info("Workspace store initialized", zap.String("driver", cfg.Database.Driver))

	// 6. Container backend, with graceful degradation when Docker is away
	var backend container.Backend
	if cfg.Docker.Enabled {
		dockerBackend, err := docker.NewBackend(ctx, cfg.Docker, log)
		if err != nil {
			log.Warn("Docker unavailable - container control disabled", zap.Error(err))
		} else {
			backend = dockerBackend
			defer dockerBackend.Close()
			log.Info("Connected to Docker daemon")
		}
	} else {
		log.Info("Docker disabled by configuration")
	}

	// 7. Core coordination: broadcaster, startup tracker, registry, relay, tabs
	broadcaster := broadcast.New(eventBus, log)
	startupTracker := workspace.NewStartupTracker()
	agentRegistry := registry.New(store, broadcaster, startupTracker, cfg.Agent.ExpectedVersion, log)
	opRelay := relay.New(log)
	tabManager := tabs.NewManager(agentRegistry, log)

	// 8. Container status reconciliation
	var containerSync *reconciler.Reconciler
	if backend != nil {
		containerSync = reconciler.New(store, backend, agentRegistry, broadcaster, cfg.Sync.IntervalDuration(), log)
		if err := containerSync.Start(ctx); err != nil {
			log.Fatal("Failed to start container sync", zap.Error(err))
		}
	} else {
		log.Info("Container sync disabled (no backend)")
	}

	// 9. WebSocket gateway
	gateway := websocket.NewGateway(websocket.Deps{
		Config:      cfg,
		Registry:    agentRegistry,
		Relay:       opRelay,
		Tabs:        tabManager,
		Store:       store,
		Backend:     backend,
		Startup:     startupTracker,
		Broadcaster: broadcaster,
		Logger:      log,
	})
	go gateway.Hub.Run(ctx)

	if _, err := websocket.RegisterWorkspaceStreamNotifications(ctx, eventBus, gateway.Hub, log); err != nil {
		log.Fatal("Failed to register workspace notifications", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER (WebSocket + REST endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "devmux"))
	router.Use(httpmw.OtelTracing("devmux"))
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)

	workspaceCtrl := wscontroller.New(store, agentRegistry, backend, startupTracker, broadcaster, cfg.Agent.BundleURL, log)
	wshandlers.RegisterRoutes(router, workspaceCtrl, log)

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "devmux",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("devmux hub listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("agent_websocket", "/ws/agent"),
		zap.String("terminal", "/terminal/:tabId"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down devmux...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if containerSync != nil {
		if err := containerSync.Stop(); err != nil {
			log.Error("Container sync stop error", zap.Error(err))
		}
	}
	agentRegistry.Shutdown()
	startupTracker.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("devmux stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
