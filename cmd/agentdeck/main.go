// Package main is the agentdeck server entry point: one binary running the
// process manager, journal ingestion pipeline, price sync and the HTTP/
// WebSocket gateway on shared infrastructure.
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

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/compute"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/gateway"
	gatewayws "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/ingest"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/prices"
	"github.com/agentdeck/agentdeck/internal/process"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/agentdeck/agentdeck/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agentdeck...",
		zap.String("journal_root", cfg.Journal.Root),
		zap.String("db_driver", cfg.Database.Driver))

	// 3. Root context; cancelled on the first shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory unless NATS is configured)
	eventBus, stopBus, err := events.NewBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer stopBus()

	// 5. Store
	pool, err := db.OpenPool(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// 6. Journal layout and compute engine
	layout := journal.NewLayout(cfg.Journal.Root)
	engine := compute.NewEngine(st, log)

	// 7. Process manager
	launcher := process.NewCLILauncher(cfg.Claude, log)
	manager := process.NewManager(launcher, st, eventBus, cfg.Claude, cfg.Process, log)
	manager.Start(ctx)

	// 8. Process-journal bridge
	br, err := bridge.New(layout, manager, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize bridge", zap.Error(err))
	}

	// 9. Watcher and ingester
	w := watcher.New(layout, cfg.Journal.Debounce(), cfg.Journal.RescanInterval(), log)
	jobs, err := w.Start(ctx)
	if err != nil {
		log.Fatal("Failed to start journal watcher", zap.Error(err))
	}

	ingestSvc := ingest.NewService(st, engine, eventBus, cfg.Journal.IngestWorkers, log)
	ingestSvc.Start(ctx, jobs)

	// Recompute sessions whose derived metadata predates the current
	// algorithm version. Runs behind the live pipeline; per-session locks
	// keep it from racing fresh ingests.
	go func() {
		if err := ingestSvc.Recompute(ctx); err != nil && ctx.Err() == nil {
			log.Error("Startup recompute failed", zap.Error(err))
		}
	}()

	// 10. Price sync
	priceSvc := prices.NewService(st, cfg.Prices, log)
	priceSvc.Start(ctx)

	// 11. WebSocket hub and gateway
	hub := gatewayws.NewHub(manager, log)
	go hub.Run(ctx)
	gatewayws.RegisterNotifications(ctx, eventBus, hub, log)
	wsHandler := gatewayws.NewHandler(hub, manager, log)

	gatewaySvc := gateway.NewService(st, layout, br, eventBus, log)

	// 12. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.OtelTracing("agentdeck"))

	gateway.RegisterRoutes(router, gatewaySvc, wsHandler, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("http", "/api"),
		zap.String("health", "/api/health"),
	)

	// Graceful shutdown: stop feeding the pipeline, then the processes, then
	// the HTTP surface, then the shared infrastructure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentdeck...")
	cancel()

	w.Stop()
	priceSvc.Stop()
	ingestSvc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	manager.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	br.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentdeck stopped")
}
