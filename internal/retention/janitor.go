// Package retention purges expired task and session records on a daily cycle.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
)

// sweepInterval is how often retention cutoffs are applied.
const sweepInterval = 24 * time.Hour

// SessionCleaner purges idle sessions past the retention cutoff.
type SessionCleaner interface {
	CleanupExpired(retentionDays int) (int, error)
}

// Janitor runs the retention sweep in the background. One sweep runs at
// startup, then every sweepInterval.
type Janitor struct {
	cfg      config.RetentionConfig
	tasks    *taskstore.TaskStore
	sessions SessionCleaner
	logger   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor. Start must be called to begin sweeping.
func NewJanitor(cfg config.RetentionConfig, tasks *taskstore.TaskStore, sessions SessionCleaner, log *logger.Logger) *Janitor {
	return &Janitor{
		cfg:      cfg,
		tasks:    tasks,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "retention")),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		j.sweep()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) sweep() {
	tasksDeleted, err := j.tasks.Cleanup(j.cfg.TaskDays)
	if err != nil {
		j.logger.Error("task retention sweep failed", zap.Error(err))
	}

	sessionsDeleted, err := j.sessions.CleanupExpired(j.cfg.SessionDays)
	if err != nil {
		j.logger.Error("session retention sweep failed", zap.Error(err))
	}

	if tasksDeleted > 0 || sessionsDeleted > 0 {
		j.logger.Info("retention sweep complete",
			zap.Int("tasks_deleted", tasksDeleted),
			zap.Int("sessions_deleted", sessionsDeleted))
	}
}
