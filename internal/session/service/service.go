// Package service orchestrates session lifecycle: creation, continuation,
// cost accrual, and expiry cleanup.
package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/events/bus"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/session/models"
	sessionstore "github.com/csdwd/claude-code-server/internal/session/store"
)

// Executor runs one Claude CLI invocation.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
}

// ContinueRequest carries the options accepted by Continue.
type ContinueRequest struct {
	Prompt       string
	SystemPrompt string
	MaxBudgetUSD float64
	Stream       bool
}

// Manager is a thin orchestrator over the session store.
type Manager struct {
	store    *sessionstore.SessionStore
	executor Executor
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewManager creates a session manager. The event bus may be nil in tests.
func NewManager(store *sessionstore.SessionStore, exec Executor, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		executor: exec,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// Create registers a new session and announces it on the bus. An explicit id
// (the CLI's session id) may be supplied; otherwise one is generated.
func (m *Manager) Create(ctx context.Context, partial *models.Session) (*models.Session, error) {
	sess, err := m.store.Create(partial)
	if err != nil {
		return nil, err
	}

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("model", sess.Model))
	m.publish(ctx, events.SessionCreated, map[string]any{
		"session_id":   sess.ID,
		"model":        sess.Model,
		"project_path": sess.ProjectPath,
	})
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*models.Session, error) {
	return m.store.Get(id)
}

// List returns sessions matching the options.
func (m *Manager) List(opts sessionstore.ListOptions) ([]*models.Session, error) {
	return m.store.List(opts)
}

// Search matches sessions by id or metadata substring.
func (m *Manager) Search(query string, limit int) ([]*models.Session, error) {
	return m.store.Search(query, limit)
}

// Delete removes a session and announces the deletion.
func (m *Manager) Delete(ctx context.Context, id string) error {
	deleted, err := m.store.Delete(id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperrors.NotFound("session", id)
	}

	m.logger.Info("session deleted", zap.String("session_id", id))
	m.publish(ctx, events.SessionDeleted, map[string]any{"session_id": id})
	return nil
}

// UpdateStatus sets the session status.
func (m *Manager) UpdateStatus(id string, status models.Status) (*models.Session, error) {
	if !status.Valid() {
		return nil, apperrors.ValidationError("status", "must be 'active' or 'archived'")
	}
	return m.store.Update(id, models.Patch{Status: &status})
}

// GetStats returns session population counters.
func (m *Manager) GetStats() (*sessionstore.Stats, error) {
	return m.store.GetStats()
}

// CleanupExpired purges sessions idle longer than retentionDays.
func (m *Manager) CleanupExpired(retentionDays int) (int, error) {
	deleted, err := m.store.Cleanup(retentionDays)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("expired sessions purged",
			zap.Int("deleted", deleted),
			zap.Int("retention_days", retentionDays))
	}
	return deleted, nil
}

// AccrueExecution records one successful execution against the session:
// cost is added and the message counter bumped. Called by the scheduler
// after a task bound to the session completes.
func (m *Manager) AccrueExecution(id string, costUSD float64) error {
	if _, err := m.store.AddCost(id, costUSD); err != nil {
		return err
	}
	_, err := m.store.IncrementMessages(id)
	return err
}

// Continue resumes an active session with a follow-up prompt, executing
// synchronously with the session's stored project path and model. Archived
// sessions are refused.
func (m *Manager) Continue(ctx context.Context, id string, req ContinueRequest) (*executor.Result, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusActive {
		return nil, apperrors.InvalidState("session " + id + " is " + string(sess.Status) + ", only active sessions can be continued")
	}

	result := m.executor.Execute(ctx, executor.Request{
		Prompt:       req.Prompt,
		ProjectPath:  sess.ProjectPath,
		Model:        sess.Model,
		SessionID:    sess.ID,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		Stream:       req.Stream,
	})

	if result.Success {
		if err := m.AccrueExecution(sess.ID, result.CostUSD); err != nil {
			m.logger.Error("failed to accrue session cost",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}
	return result, nil
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, data)); err != nil {
		m.logger.Warn("failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
