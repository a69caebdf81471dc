package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events/bus"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	sessionmodels "github.com/csdwd/claude-code-server/internal/session/models"
	sessionservice "github.com/csdwd/claude-code-server/internal/session/service"
	sessionstore "github.com/csdwd/claude-code-server/internal/session/store"
	statsstore "github.com/csdwd/claude-code-server/internal/stats/store"
	taskmodels "github.com/csdwd/claude-code-server/internal/task/models"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
	"github.com/csdwd/claude-code-server/internal/webhook"
)

// stubExecutor returns a canned result and records the last request.
type stubExecutor struct {
	result *executor.Result
	last   executor.Request
}

func (s *stubExecutor) Execute(_ context.Context, req executor.Request) *executor.Result {
	s.last = req
	if s.result != nil {
		return s.result
	}
	return &executor.Result{Success: true, Result: "ok", CostUSD: 0.01, SessionID: "cli-sess"}
}

type testEnv struct {
	server   *Server
	tasks    *taskstore.TaskStore
	sessions *sessionservice.Manager
	exec     *stubExecutor
}

func testServerConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 3000, ReadTimeout: 30, WriteTimeout: 30},
		Executor:  config.ExecutorConfig{Command: "claude", DefaultProjectPath: ".", DefaultModel: "sonnet"},
		TaskQueue: config.TaskQueueConfig{Concurrency: 3, DefaultTimeout: 30, PollInterval: 1, StopTimeout: 5},
		Webhook:   config.WebhookConfig{Enabled: true, Timeout: 5, Retries: 1},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testServerConfig()
	dir := t.TempDir()
	log := logger.Default()

	tasks := taskstore.New(dir)
	sessions := sessionstore.New(dir)
	stats := statsstore.New(dir)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	exec := &stubExecutor{}
	manager := sessionservice.NewManager(sessions, exec, eventBus, log)
	sched := scheduler.New(cfg.TaskQueue, tasks, manager, exec, eventBus, stats, log)
	dispatcher := webhook.NewDispatcher(cfg.Webhook, log)

	srv := New(cfg, Dependencies{
		Tasks:     tasks,
		Sessions:  manager,
		Stats:     stats,
		Scheduler: sched,
		Executor:  exec,
		Webhooks:  dispatcher,
		Logger:    log,
	})
	return &testEnv{server: srv, tasks: tasks, sessions: manager, exec: exec}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed), "body: %s", w.Body.String())
	}
	return w, parsed
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "healthy", body["status"])
}

func TestExecuteSync(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["result"])
	assert.Equal(t, "hello", env.exec.last.Prompt)
}

func TestExecuteRejectsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "prompt")
}

func TestExecuteRejectsBadWebhookURL(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/claude", gin.H{
		"prompt":      "x",
		"webhook_url": "not-a-url",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRejectsOutOfRangePriority(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "x", "priority": 11})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteSyncFailure(t *testing.T) {
	env := newTestEnv(t)
	env.exec.result = &executor.Result{Success: false, Error: "cli crashed"}

	w, body := env.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "x"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "cli crashed", body["error"])
}

func TestExecuteAsyncAutoCreatesSession(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/claude", gin.H{
		"prompt":   "queued work",
		"priority": 8,
		"async":    true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(8), body["priority"])

	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	sess, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionmodels.StatusActive, sess.Status)

	taskID, _ := body["task_id"].(string)
	task, err := env.tasks.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, taskmodels.StatusPending, task.Status)
	assert.Equal(t, sessionID, task.SessionID)
}

func TestBatchExecution(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/claude/batch", gin.H{
		"prompts": []string{"one", "two", "three"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	results := body["results"].([]any)
	assert.Len(t, results, 3)

	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(3), summary["total"])
	assert.Equal(t, float64(3), summary["successful"])
	assert.Equal(t, float64(0), summary["failed"])
	assert.InDelta(t, 0.03, summary["total_cost_usd"].(float64), 1e-9)
}

func TestBatchSizeBounds(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/claude/batch", gin.H{"prompts": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	prompts := make([]string, 11)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("p%d", i)
	}
	w, _ = env.do(t, http.MethodPost, "/api/claude/batch", gin.H{"prompts": prompts})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/tasks/async", gin.H{"prompt": "work", "priority": 4})
	require.Equal(t, http.StatusCreated, w.Code)
	task := body["task"].(map[string]any)
	taskID := task["id"].(string)

	w, body = env.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["task"].(map[string]any)["status"])

	w, body = env.do(t, http.MethodPatch, "/api/tasks/"+taskID+"/priority", gin.H{"priority": 9})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(9), body["task"].(map[string]any)["priority"])

	w, body = env.do(t, http.MethodDelete, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", body["task"].(map[string]any)["status"])

	// Terminal tasks refuse both priority changes and a second cancel.
	w, _ = env.do(t, http.MethodPatch, "/api/tasks/"+taskID+"/priority", gin.H{"priority": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodDelete, "/api/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestListTasksFilterValidation(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := env.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["total"])
}

func TestQueueStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodPost, "/api/tasks/async", gin.H{"prompt": "x"})
	require.NotNil(t, body["task"])

	w, body := env.do(t, http.MethodGet, "/api/tasks/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(3), body["concurrency"])
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["pending"])
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/sessions", gin.H{
		"metadata": gin.H{"project": "demo"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := body["session"].(map[string]any)
	sessionID := sess["id"].(string)
	assert.Equal(t, "sonnet", sess["model"])

	w, body = env.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, http.MethodGet, "/api/sessions/search?q=demo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, _ = env.do(t, http.MethodGet, "/api/sessions/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = env.do(t, http.MethodPatch, "/api/sessions/"+sessionID, gin.H{"status": "archived"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "archived", body["session"].(map[string]any)["status"])

	// Continuation is refused once archived.
	w, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/continue", gin.H{"prompt": "more"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["deleted"])

	w, _ = env.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContinueSession(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodPost, "/api/sessions", gin.H{"model": "opus", "project_path": "/repo"})
	sessionID := body["session"].(map[string]any)["id"].(string)

	w, body := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/continue", gin.H{"prompt": "go on"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["result"])

	// The executor saw the session's stored context.
	assert.Equal(t, "opus", env.exec.last.Model)
	assert.Equal(t, "/repo", env.exec.last.ProjectPath)
	assert.Equal(t, sessionID, env.exec.last.SessionID)
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "count me"})

	w, body := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	requests := body["requests"].(map[string]any)
	assert.Equal(t, float64(1), requests["total"])
	assert.Equal(t, float64(1), requests["successful"])

	w, body = env.do(t, http.MethodGet, "/api/stats/daily", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestSendWebhook(t *testing.T) {
	env := newTestEnv(t)

	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, body := env.do(t, http.MethodPost, "/api/webhooks/send", gin.H{
		"url":   srv.URL,
		"event": "custom.ping",
		"data":  gin.H{"hello": "world"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["attempt"])

	payload := <-received
	assert.Equal(t, "custom.ping", payload["event"])

	w, _ = env.do(t, http.MethodPost, "/api/webhooks/send", gin.H{"url": srv.URL})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
