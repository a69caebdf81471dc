// Package scheduler drives queued task execution under three constraints:
// bounded concurrency, priority ordering, and per-task timeout. It stays
// consistent with the persistent task store across process crashes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/events/bus"
	"github.com/csdwd/claude-code-server/internal/executor"
	statsmodels "github.com/csdwd/claude-code-server/internal/stats/models"
	"github.com/csdwd/claude-code-server/internal/task/models"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
)

// TimeoutMessage is the literal error recorded when a task exceeds its
// execution budget.
const TimeoutMessage = "Task execution timeout"

// Executor runs one CLI invocation.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
}

// SessionAccruer records cost and message count against a session after a
// successful execution.
type SessionAccruer interface {
	AccrueExecution(id string, costUSD float64) error
}

// StatsRecorder folds request outcomes into the statistics sink.
type StatsRecorder interface {
	RecordRequest(rec statsmodels.RequestRecord) error
}

// QueueStatus is the point-in-time view returned by Status.
type QueueStatus struct {
	Running     bool             `json:"running"`
	Concurrency int              `json:"concurrency"`
	ActiveTasks []string         `json:"active_tasks"`
	Stats       *taskstore.Stats `json:"stats"`
}

// activeEntry is the in-memory record for one claimed concurrency slot.
type activeEntry struct {
	task   *models.Task
	cancel context.CancelFunc
}

// Scheduler owns the dispatch loop and the active set.
type Scheduler struct {
	cfg      config.TaskQueueConfig
	tasks    *taskstore.TaskStore
	sessions SessionAccruer
	executor Executor
	bus      bus.EventBus
	stats    StatsRecorder
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	active  map[string]*activeEntry

	wake   chan struct{}
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
}

// New creates a scheduler. The stats recorder may be nil.
func New(
	cfg config.TaskQueueConfig,
	tasks *taskstore.TaskStore,
	sessions SessionAccruer,
	exec Executor,
	eventBus bus.EventBus,
	stats StatsRecorder,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		tasks:    tasks,
		sessions: sessions,
		executor: exec,
		bus:      eventBus,
		stats:    stats,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		active:   map[string]*activeEntry{},
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers orphaned work and launches the dispatch loop. Calling Start
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	// Tasks stuck in processing lost their in-memory slot in a crash; make
	// them eligible again before admitting anything new.
	reset, err := s.tasks.ResetProcessing()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	if reset > 0 {
		s.logger.Info("recovered orphaned tasks", zap.Int("reset", reset))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loopWG.Add(1)
	go s.loop(loopCtx)

	s.logger.Info("scheduler started",
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Duration("poll_interval", s.cfg.PollIntervalDuration()),
		zap.Duration("default_timeout", s.cfg.DefaultTimeoutDuration()))
	return nil
}

// Stop ceases admission and drains in-flight tasks, bounded by the configured
// stop timeout. Tasks still running at the deadline are abandoned; they remain
// processing on disk and are recovered on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.loopWG.Wait()

	drained := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("scheduler stopped, queue drained")
	case <-time.After(s.cfg.StopTimeoutDuration()):
		s.mu.Lock()
		remaining := len(s.active)
		s.mu.Unlock()
		s.logger.Warn("scheduler stop deadline exceeded, abandoning in-flight tasks",
			zap.Int("remaining", remaining))
	}
}

// Submit persists a new pending task, announces it, and nudges the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, partial *models.Task) (*models.Task, error) {
	task, err := s.tasks.Create(partial)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.Int("priority", task.Priority))
	s.publish(ctx, events.TaskSubmitted, task, nil)
	s.nudge()
	return task, nil
}

// CancelTask cancels a pending or processing task. Cancellation of a running
// task is best-effort: the slot is released and the execution context
// cancelled, but a result already in flight is discarded by the terminal
// status check.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, apperrors.InvalidState("task " + id + " is " + string(task.Status) + ", cannot cancel")
	}

	s.mu.Lock()
	if entry, ok := s.active[id]; ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(s.active, id)
	}
	s.mu.Unlock()

	cancelled, err := s.tasks.Cancel(id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task cancelled", zap.String("task_id", id))
	s.publish(ctx, events.TaskCancelled, cancelled, nil)
	s.nudge()
	return cancelled, nil
}

// Status returns the queue view: lifecycle flag, admission quota, active ids,
// and store-wide counters.
func (s *Scheduler) Status() (*QueueStatus, error) {
	stats, err := s.tasks.GetStats()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	activeIDs := make([]string, 0, len(s.active))
	for id := range s.active {
		activeIDs = append(activeIDs, id)
	}
	running := s.running
	s.mu.Unlock()

	return &QueueStatus{
		Running:     running,
		Concurrency: s.cfg.Concurrency,
		ActiveTasks: activeIDs,
		Stats:       stats,
	}, nil
}

// loop runs dispatch on the poll tick and on wake signals.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.PollIntervalDuration())
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// dispatch admits pending tasks while slots remain. The slot is reserved in
// memory before the persistent transition so parallel dispatches cannot
// oversubscribe.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running || len(s.active) >= s.cfg.Concurrency {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		next, err := s.tasks.NextPending()
		if err != nil {
			s.logger.Error("pending lookup failed", zap.Error(err))
			return
		}
		if next == nil {
			return
		}

		s.mu.Lock()
		if _, claimed := s.active[next.ID]; claimed {
			s.mu.Unlock()
			return
		}
		if len(s.active) >= s.cfg.Concurrency {
			s.mu.Unlock()
			return
		}
		s.active[next.ID] = &activeEntry{}
		s.mu.Unlock()

		task, err := s.tasks.MarkProcessing(next.ID)
		if err != nil {
			// Reservation is rolled back; the task stays pending and is
			// retried on the next tick.
			s.mu.Lock()
			delete(s.active, next.ID)
			s.mu.Unlock()
			if !apperrors.IsInvalidState(err) && !apperrors.IsNotFound(err) {
				s.logger.Error("failed to claim task",
					zap.String("task_id", next.ID),
					zap.Error(err))
			}
			return
		}

		s.publish(ctx, events.TaskStarted, task, nil)

		s.taskWG.Add(1)
		go func() {
			defer s.taskWG.Done()
			s.executeTask(ctx, task)
		}()
	}
}

// executeTask runs one claimed task to a terminal state and releases its slot.
func (s *Scheduler) executeTask(ctx context.Context, task *models.Task) {
	defer func() {
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
		s.nudge()
	}()

	execCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DefaultTimeoutDuration())
	defer cancel()

	s.mu.Lock()
	if entry, ok := s.active[task.ID]; ok {
		entry.task = task
		entry.cancel = cancel
	}
	s.mu.Unlock()

	result, panicked := s.runExecutor(execCtx, task)

	switch {
	case panicked:
		s.finishFailed(ctx, task, result.Error, events.TaskError, result)
	case result.Success:
		s.finishCompleted(ctx, task, result)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		s.finishFailed(ctx, task, TimeoutMessage, events.TaskTimeout, result)
	case errors.Is(execCtx.Err(), context.Canceled):
		// Cancelled mid-flight; the task is already terminal, the result
		// is discarded.
		s.logger.Debug("discarding result of cancelled task",
			zap.String("task_id", task.ID))
	default:
		s.finishFailed(ctx, task, result.Error, events.TaskFailed, result)
	}
}

// runExecutor invokes the executor, converting a panic into a failure result
// so the task still reaches a terminal state.
func (s *Scheduler) runExecutor(ctx context.Context, task *models.Task) (result *executor.Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panic",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			result = &executor.Result{Success: false, Error: fmt.Sprintf("executor panic: %v", r)}
			panicked = true
		}
	}()

	result = s.executor.Execute(ctx, executor.Request{
		Prompt:          task.Prompt,
		ProjectPath:     task.ProjectPath,
		Model:           task.Model,
		SessionID:       task.SessionID,
		SystemPrompt:    task.MetadataString("system_prompt"),
		MaxBudgetUSD:    task.MetadataFloat("max_budget_usd"),
		AllowedTools:    task.MetadataStrings("allowed_tools"),
		DisallowedTools: task.MetadataStrings("disallowed_tools"),
		Agent:           task.MetadataString("agent"),
		MCPConfig:       task.MetadataString("mcp_config"),
	})
	return result, false
}

func (s *Scheduler) finishCompleted(ctx context.Context, task *models.Task, result *executor.Result) {
	completed, err := s.tasks.MarkCompleted(task.ID, result.Result, result.CostUSD)
	if err != nil {
		s.logger.Error("failed to persist completion",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	if task.SessionID != "" {
		if err := s.sessions.AccrueExecution(task.SessionID, result.CostUSD); err != nil {
			s.logger.Error("failed to accrue session cost",
				zap.String("task_id", task.ID),
				zap.String("session_id", task.SessionID),
				zap.Error(err))
		}
	}

	s.recordStats(task, result, true)
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Float64("cost_usd", result.CostUSD))
	s.publish(ctx, events.TaskCompleted, completed, result)
}

func (s *Scheduler) finishFailed(ctx context.Context, task *models.Task, msg, event string, result *executor.Result) {
	failed, err := s.tasks.MarkFailed(task.ID, msg)
	if err != nil {
		// Already terminal (cancelled under us) or an I/O failure; either
		// way the outcome is discarded.
		if !apperrors.IsInvalidState(err) {
			s.logger.Error("failed to persist failure",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return
	}

	s.recordStats(task, result, false)
	s.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("event", event),
		zap.String("error", msg))
	s.publish(ctx, event, failed, result)
}

func (s *Scheduler) recordStats(task *models.Task, result *executor.Result, success bool) {
	if s.stats == nil {
		return
	}
	rec := statsmodels.RequestRecord{
		Success: success,
		Model:   task.Model,
	}
	if result != nil {
		rec.CostUSD = result.CostUSD
		if result.Usage != nil {
			rec.InputTokens = result.Usage.InputTokens
			rec.OutputTokens = result.Usage.OutputTokens
		}
	}
	if err := s.stats.RecordRequest(rec); err != nil {
		s.logger.Warn("failed to record request stats",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publish emits a lifecycle event carrying the task snapshot. The webhook_url
// override rides along so the dispatcher can resolve the callback.
func (s *Scheduler) publish(ctx context.Context, event string, task *models.Task, result *executor.Result) {
	if s.bus == nil {
		return
	}

	data := map[string]any{
		"task_id":  task.ID,
		"status":   string(task.Status),
		"priority": task.Priority,
	}
	if task.SessionID != "" {
		data["session_id"] = task.SessionID
	}
	if url := task.WebhookURL(); url != "" {
		data["webhook_url"] = url
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	if result != nil {
		data["duration_ms"] = result.DurationMs
		if result.Success {
			data["result"] = result.Result
			data["cost_usd"] = result.CostUSD
		}
	}

	if err := s.bus.Publish(ctx, event, bus.NewEvent(event, data)); err != nil {
		s.logger.Warn("failed to publish task event",
			zap.String("event", event),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// nudge wakes the dispatch loop without waiting for the poll tick.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
