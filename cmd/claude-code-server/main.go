// Package main is the entry point for claude-code-server: an HTTP-fronted
// execution broker around the Claude CLI with a priority task queue, session
// tracking, webhook delivery, and JSON-file persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/retention"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	"github.com/csdwd/claude-code-server/internal/server"
	sessionservice "github.com/csdwd/claude-code-server/internal/session/service"
	sessionstore "github.com/csdwd/claude-code-server/internal/session/store"
	"github.com/csdwd/claude-code-server/internal/stats/collector"
	statsstore "github.com/csdwd/claude-code-server/internal/stats/store"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
	"github.com/csdwd/claude-code-server/internal/webhook"
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

	log.Info("Starting claude-code-server...",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("port", cfg.Server.Port))

	// 3. Pid file
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			log.Fatal("Failed to write pid file", zap.Error(err))
		}
		defer os.Remove(cfg.PidFile)
	}

	// 4. Data directory
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Event bus (in-memory unless NATS is configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Stores
	tasks := taskstore.New(cfg.Storage.DataDir)
	sessions := sessionstore.New(cfg.Storage.DataDir)
	stats := statsstore.New(cfg.Storage.DataDir)

	// 7. Executor and domain services
	execClient := executor.NewClient(cfg.Executor, log)
	sessionManager := sessionservice.NewManager(sessions, execClient, eventBus, log)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, log)
	if err := dispatcher.Subscribe(eventBus); err != nil {
		log.Fatal("Failed to attach webhook dispatcher", zap.Error(err))
	}
	defer dispatcher.Close()

	sched := scheduler.New(cfg.TaskQueue, tasks, sessionManager, execClient, eventBus, stats, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// 8. Background maintenance
	if cfg.Statistics.Enabled {
		statsCollector := collector.New(eventBus, cfg.Statistics.CollectionIntervalDuration(), log)
		statsCollector.Start(ctx)
		defer statsCollector.Stop()
	}

	janitor := retention.NewJanitor(cfg.Retention, tasks, sessionManager, log)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 9. HTTP server
	srv := server.New(cfg, server.Dependencies{
		Tasks:     tasks,
		Sessions:  sessionManager,
		Stats:     stats,
		Scheduler: sched,
		Executor:  execClient,
		Webhooks:  dispatcher,
		Logger:    log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// 10. Wait for shutdown signal or listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			sched.Stop()
			os.Exit(1)
		}
	}

	// 11. Graceful shutdown: stop admitting requests, drain the queue
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	sched.Stop()
	log.Info("Shutdown complete")
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
