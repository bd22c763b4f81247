package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/tracing"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/gateway/socket"
	"github.com/agentmesh/agentmesh/internal/jobs"
	"github.com/agentmesh/agentmesh/internal/messaging/handlers"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/internal/messaging/transport"
	"github.com/agentmesh/agentmesh/internal/session"
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
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentmesh message server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus
	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-process event bus")
	}

	// 5. Open the database and storage layer
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	store, err := repository.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// 6. Messaging service and the server record this instance owns
	svc := service.NewService(store, eventBus, cfg.Server.ServerID, log)
	server, err := svc.EnsureCurrentServer(ctx, "Default Server")
	if err != nil {
		log.Fatal("Failed to provision message server", zap.Error(err))
	}
	log.Info("Message server ready", zap.String("server_id", server.ID))

	// 7. Agent runtime: external proxy when configured, otherwise a stub
	// that fails sync/stream calls while socket traffic keeps flowing.
	var runtime agent.Runtime
	if cfg.Agent.RuntimeURL != "" {
		runtime = agent.NewHTTPRuntime(cfg.Agent.RuntimeURL, cfg.Agent.RuntimeAPIKey, log)
		log.Info("Using external agent runtime", zap.String("url", cfg.Agent.RuntimeURL))
	} else {
		runtime = agent.UnavailableRuntime{}
		log.Warn("No agent runtime configured; sync and stream transports will reject requests")
	}
	svc.SetTitleModel(runtime)

	// 8. Transport dispatcher (sync, SSE, socket submission modes)
	dispatcher := transport.NewDispatcher(runtime, log)

	// 9. Session manager
	sessionMgr := session.NewManager(cfg.Sessions, svc, log)
	sessionMgr.Start()

	// 10. Jobs manager
	jobsMgr := jobs.NewManager(cfg.Jobs, svc, eventBus, log)
	if err := jobsMgr.Start(); err != nil {
		log.Fatal("Failed to start jobs manager", zap.Error(err))
	}

	// 11. Socket hub, wired as the service's broadcast fanout
	hub := socket.NewHub(svc, eventBus, cfg.Auth.DataIsolation, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start socket hub", zap.Error(err))
	}
	svc.SetBroadcaster(hub)

	// 12. One connector worker per agent registered on this server
	agentIDs, err := svc.ListAgentsForServer(ctx, svc.ServerID())
	if err != nil {
		log.Fatal("Failed to list server agents", zap.Error(err))
	}
	connectors := make([]*agent.Connector, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		connector := agent.NewConnector(agentID, runtime, store, eventBus, cfg.Agent.CentralServerURL, cfg.Auth.APIToken, log)
		if err := connector.Start(ctx); err != nil {
			log.Fatal("Failed to start agent connector", zap.String("agent_id", agentID), zap.Error(err))
		}
		connectors = append(connectors, connector)
	}
	log.Info("Started agent connectors", zap.Int("count", len(connectors)))

	// 13. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server))
	router.Use(httpmw.RequestLogger(log, "agentmesh"))
	router.Use(httpmw.OtelTracing("agentmesh"))

	// 14. Register routes
	api := router.Group("/api")
	api.Use(httpmw.APIKeyAuth(cfg.Auth.APIToken))
	api.Use(httpmw.SuccessSkippingRateLimit(httpmw.RateLimitOptions{
		RPS:         20,
		Burst:       100,
		SkipPrivate: true,
	}))
	handlers.RegisterRoutes(api, svc, dispatcher, log)
	session.RegisterRoutes(api, sessionMgr, svc, dispatcher, log)
	jobs.RegisterRoutes(api, jobsMgr, log)

	socketHandler := socket.NewHandler(hub, cfg.Auth.APIToken, log)
	router.GET("/socket", socketHandler.HandleConnection)

	media := router.Group("/media", httpmw.RateLimit(httpmw.RateLimitOptions{
		RPS:         30,
		Burst:       60,
		Code:        apierror.CodeFileRateLimitExceeded,
		SkipPrivate: true,
	}))
	media.Static("/uploads", filepath.Join("data", "uploads"))

	healthLimit := httpmw.RateLimit(httpmw.RateLimitOptions{
		RPS:         10,
		Burst:       30,
		SkipPrivate: true,
	})
	router.GET("/health", healthLimit, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"server_id": svc.ServerID(),
			"bus":       eventBus.IsConnected(),
			"sockets":   hub.ClientCount(),
		})
	})

	// 15. Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agentmesh message server...")

	// 18. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	for _, connector := range connectors {
		connector.Cleanup()
	}
	hub.Cleanup()
	jobsMgr.Cleanup()
	sessionMgr.Cleanup()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agentmesh message server stopped")
}
