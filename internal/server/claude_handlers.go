package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/csdwd/claude-code-server/internal/executor"
	sessionmodels "github.com/csdwd/claude-code-server/internal/session/models"
	statsmodels "github.com/csdwd/claude-code-server/internal/stats/models"
	taskmodels "github.com/csdwd/claude-code-server/internal/task/models"
)

// maxBatchSize bounds one batch request.
const maxBatchSize = 10

// executeRequest is the body of POST /api/claude and POST /api/tasks/async.
type executeRequest struct {
	Prompt          string         `json:"prompt"`
	ProjectPath     string         `json:"project_path"`
	Model           string         `json:"model"`
	SessionID       string         `json:"session_id"`
	Priority        int            `json:"priority"`
	Async           bool           `json:"async"`
	WebhookURL      string         `json:"webhook_url"`
	SystemPrompt    string         `json:"system_prompt"`
	MaxBudgetUSD    float64        `json:"max_budget_usd"`
	AllowedTools    []string       `json:"allowed_tools"`
	DisallowedTools []string       `json:"disallowed_tools"`
	Agent           string         `json:"agent"`
	MCPConfig       string         `json:"mcp_config"`
	Stream          bool           `json:"stream"`
	Metadata        map[string]any `json:"metadata"`
}

// batchRequest is the body of POST /api/claude/batch.
type batchRequest struct {
	Prompts     []string `json:"prompts"`
	ProjectPath string   `json:"project_path"`
	Model       string   `json:"model"`
}

// batchItem is one per-prompt outcome in the batch response.
type batchItem struct {
	Index      int     `json:"index"`
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

func (r *executeRequest) validate() (field, msg string) {
	if r.Prompt == "" {
		return "prompt", "must not be empty"
	}
	if r.Priority != 0 && (r.Priority < taskmodels.PriorityMin || r.Priority > taskmodels.PriorityMax) {
		return "priority", "must be between 1 and 10"
	}
	if r.WebhookURL != "" && !validWebhookURL(r.WebhookURL) {
		return "webhook_url", "must be a valid http(s) URL"
	}
	return "", ""
}

// taskMetadata folds executor options and the webhook override into the
// persisted metadata map.
func (r *executeRequest) taskMetadata() map[string]any {
	meta := map[string]any{}
	for k, v := range r.Metadata {
		meta[k] = v
	}
	if r.WebhookURL != "" {
		meta["webhook_url"] = r.WebhookURL
	}
	if r.SystemPrompt != "" {
		meta["system_prompt"] = r.SystemPrompt
	}
	if r.MaxBudgetUSD > 0 {
		meta["max_budget_usd"] = r.MaxBudgetUSD
	}
	if len(r.AllowedTools) > 0 {
		meta["allowed_tools"] = r.AllowedTools
	}
	if len(r.DisallowedTools) > 0 {
		meta["disallowed_tools"] = r.DisallowedTools
	}
	if r.Agent != "" {
		meta["agent"] = r.Agent
	}
	if r.MCPConfig != "" {
		meta["mcp_config"] = r.MCPConfig
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Execute runs a prompt synchronously, or queues it when async is set.
// POST /api/claude
func (h *handlers) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if field, msg := req.validate(); field != "" {
		respondValidation(c, field, msg)
		return
	}

	if req.Async {
		h.executeAsync(c, &req)
		return
	}
	h.executeSync(c, &req)
}

func (h *handlers) executeSync(c *gin.Context, req *executeRequest) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.TaskQueue.DefaultTimeoutDuration())
	defer cancel()

	result := h.executor.Execute(ctx, executor.Request{
		Prompt:          req.Prompt,
		ProjectPath:     req.ProjectPath,
		Model:           req.Model,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
		Stream:          req.Stream,
	})

	h.recordRequest(req.Model, result)
	if result.Success && req.SessionID != "" {
		if err := h.sessions.AccrueExecution(req.SessionID, result.CostUSD); err != nil {
			h.logger.Warn("failed to accrue session cost",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
	}

	if !result.Success {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":     false,
			"error":       result.Error,
			"duration_ms": result.DurationMs,
		})
		return
	}
	respond(c, http.StatusOK, gin.H{
		"result":      result.Result,
		"duration_ms": result.DurationMs,
		"cost_usd":    result.CostUSD,
		"session_id":  result.SessionID,
		"usage":       result.Usage,
	})
}

func (h *handlers) executeAsync(c *gin.Context, req *executeRequest) {
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := h.sessions.Create(c.Request.Context(), &sessionmodels.Session{
			Model:       h.modelOrDefault(req.Model),
			ProjectPath: h.projectPathOrDefault(req.ProjectPath),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID = sess.ID
	}

	task, err := h.scheduler.Submit(c.Request.Context(), &taskmodels.Task{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		SessionID:   sessionID,
		Metadata:    req.taskMetadata(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusAccepted, gin.H{
		"task_id":     task.ID,
		"status":      task.Status,
		"priority":    task.Priority,
		"session_id":  sessionID,
		"webhook_url": req.WebhookURL,
	})
}

// ExecuteBatch runs up to ten prompts concurrently and reports per-item
// outcomes plus a summary.
// POST /api/claude/batch
func (h *handlers) ExecuteBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if len(req.Prompts) == 0 || len(req.Prompts) > maxBatchSize {
		respondValidation(c, "prompts", "must contain between 1 and 10 prompts")
		return
	}
	for _, p := range req.Prompts {
		if p == "" {
			respondValidation(c, "prompts", "prompts must not be empty")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.TaskQueue.DefaultTimeoutDuration())
	defer cancel()

	items := make([]batchItem, len(req.Prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range req.Prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			result := h.executor.Execute(gctx, executor.Request{
				Prompt:      prompt,
				ProjectPath: req.ProjectPath,
				Model:       req.Model,
			})
			h.recordRequest(req.Model, result)
			items[i] = batchItem{
				Index:      i,
				Success:    result.Success,
				Result:     result.Result,
				Error:      result.Error,
				DurationMs: result.DurationMs,
				CostUSD:    result.CostUSD,
			}
			return nil
		})
	}
	_ = g.Wait()

	successful := 0
	totalCost := 0.0
	for _, item := range items {
		if item.Success {
			successful++
		}
		totalCost += item.CostUSD
	}

	respond(c, http.StatusOK, gin.H{
		"results": items,
		"summary": gin.H{
			"total":          len(items),
			"successful":     successful,
			"failed":         len(items) - successful,
			"total_cost_usd": totalCost,
		},
	})
}

func (h *handlers) recordRequest(model string, result *executor.Result) {
	if h.stats == nil {
		return
	}
	rec := statsmodels.RequestRecord{
		Success: result.Success,
		CostUSD: result.CostUSD,
		Model:   h.modelOrDefault(model),
	}
	if result.Usage != nil {
		rec.InputTokens = result.Usage.InputTokens
		rec.OutputTokens = result.Usage.OutputTokens
	}
	if err := h.stats.RecordRequest(rec); err != nil {
		h.logger.Warn("failed to record request stats", zap.Error(err))
	}
}

func (h *handlers) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return h.cfg.Executor.DefaultModel
}

func (h *handlers) projectPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return h.cfg.Executor.DefaultProjectPath
}
