// Package server exposes the HTTP API: execution endpoints, task and session
// management, statistics, and webhook testing.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	sessionservice "github.com/csdwd/claude-code-server/internal/session/service"
	statsstore "github.com/csdwd/claude-code-server/internal/stats/store"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
	"github.com/csdwd/claude-code-server/internal/webhook"
)

// Dependencies wires the HTTP layer to the domain components.
type Dependencies struct {
	Tasks     *taskstore.TaskStore
	Sessions  *sessionservice.Manager
	Stats     *statsstore.StatsStore
	Scheduler *scheduler.Scheduler
	Executor  sessionservice.Executor
	Webhooks  *webhook.Dispatcher
	Logger    *logger.Logger
}

// Server owns the gin engine and the underlying HTTP listener.
type Server struct {
	cfg     config.ServerConfig
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *logger.Logger
}

// New builds the router with all middleware and routes registered.
func New(cfg *config.Config, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	log := deps.Logger.WithFields(zap.String("component", "http"))
	engine.Use(recovery(log))
	engine.Use(requestLogger(log))
	engine.Use(corsMiddleware())
	if cfg.RateLimit.Enabled {
		engine.Use(newRateLimiter(cfg.RateLimit).middleware())
	}

	h := newHandlers(cfg, deps)
	registerRoutes(engine, h)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		cfg:    cfg.Server,
		engine: engine,
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
		logger: log,
	}
}

// Engine exposes the router, mainly for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes lays out the API surface.
func registerRoutes(engine *gin.Engine, h *handlers) {
	engine.GET("/health", h.Health)

	api := engine.Group("/api")
	{
		api.POST("/claude", h.Execute)
		api.POST("/claude/batch", h.ExecuteBatch)

		tasks := api.Group("/tasks")
		{
			tasks.POST("/async", h.CreateTask)
			tasks.GET("", h.ListTasks)
			tasks.GET("/queue/status", h.QueueStatus)
			tasks.GET("/:id", h.GetTask)
			tasks.PATCH("/:id/priority", h.UpdateTaskPriority)
			tasks.DELETE("/:id", h.CancelTask)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/search", h.SearchSessions)
			sessions.GET("/stats", h.SessionStats)
			sessions.GET("/:id", h.GetSession)
			sessions.PATCH("/:id", h.UpdateSession)
			sessions.DELETE("/:id", h.DeleteSession)
			sessions.POST("/:id/continue", h.ContinueSession)
		}

		stats := api.Group("/stats")
		{
			stats.GET("", h.AggregateStats)
			stats.GET("/daily", h.DailyStats)
		}

		api.POST("/webhooks/send", h.SendWebhook)
	}
}
