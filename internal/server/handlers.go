package server

import (
	"net/http"
	"net/url"
	"time"

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

// handlers contains the HTTP handlers for the whole API surface.
type handlers struct {
	cfg       *config.Config
	tasks     *taskstore.TaskStore
	sessions  *sessionservice.Manager
	stats     *statsstore.StatsStore
	scheduler *scheduler.Scheduler
	executor  sessionservice.Executor
	webhooks  *webhook.Dispatcher
	logger    *logger.Logger
	started   time.Time
}

func newHandlers(cfg *config.Config, deps Dependencies) *handlers {
	return &handlers{
		cfg:       cfg,
		tasks:     deps.Tasks,
		sessions:  deps.Sessions,
		stats:     deps.Stats,
		scheduler: deps.Scheduler,
		executor:  deps.Executor,
		webhooks:  deps.Webhooks,
		logger:    deps.Logger.WithFields(zap.String("component", "api")),
		started:   time.Now(),
	}
}

// Health reports liveness.
// GET /health
func (h *handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"status":         "healthy",
		"service":        "claude-code-server",
		"version":        "1.0.0",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// validWebhookURL accepts absolute http(s) URLs only.
func validWebhookURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
