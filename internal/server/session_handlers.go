package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	sessionmodels "github.com/csdwd/claude-code-server/internal/session/models"
	sessionservice "github.com/csdwd/claude-code-server/internal/session/service"
	sessionstore "github.com/csdwd/claude-code-server/internal/session/store"
)

// CreateSession registers a new session.
// POST /api/sessions
func (h *handlers) CreateSession(c *gin.Context) {
	var req struct {
		Model       string         `json:"model"`
		ProjectPath string         `json:"project_path"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), &sessionmodels.Session{
		Model:       h.modelOrDefault(req.Model),
		ProjectPath: h.projectPathOrDefault(req.ProjectPath),
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"session": sess})
}

// GetSession fetches one session.
// GET /api/sessions/:id
func (h *handlers) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"session": sess})
}

// ListSessions lists sessions, newest activity first.
// GET /api/sessions?status=&project_path=&limit=
func (h *handlers) ListSessions(c *gin.Context) {
	opts := sessionstore.ListOptions{ProjectPath: c.Query("project_path")}
	if status := c.Query("status"); status != "" {
		s := sessionmodels.Status(status)
		if !s.Valid() {
			respondValidation(c, "status", "unknown status '"+status+"'")
			return
		}
		opts.Status = s
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondValidation(c, "limit", "must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	sessions, err := h.sessions.List(opts)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// SearchSessions matches the query against ids and metadata.
// GET /api/sessions/search?q=&limit=
func (h *handlers) SearchSessions(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		respondValidation(c, "q", "must not be empty")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondValidation(c, "limit", "must be a non-negative integer")
			return
		}
		limit = n
	}

	sessions, err := h.sessions.Search(query, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// UpdateSession patches session status.
// PATCH /api/sessions/:id
func (h *handlers) UpdateSession(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if req.Status == "" {
		respondValidation(c, "status", "must not be empty")
		return
	}

	sess, err := h.sessions.UpdateStatus(c.Param("id"), sessionmodels.Status(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"session": sess})
}

// DeleteSession removes a session.
// DELETE /api/sessions/:id
func (h *handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true, "session_id": id})
}

// ContinueSession resumes an active session with a follow-up prompt.
// POST /api/sessions/:id/continue
func (h *handlers) ContinueSession(c *gin.Context) {
	var req struct {
		Prompt       string  `json:"prompt"`
		SystemPrompt string  `json:"system_prompt"`
		MaxBudgetUSD float64 `json:"max_budget_usd"`
		Stream       bool    `json:"stream"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if req.Prompt == "" {
		respondValidation(c, "prompt", "must not be empty")
		return
	}

	result, err := h.sessions.Continue(c.Request.Context(), c.Param("id"), sessionservice.ContinueRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		Stream:       req.Stream,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.recordRequest("", result)
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

// SessionStats reports session population counters.
// GET /api/sessions/stats
func (h *handlers) SessionStats(c *gin.Context) {
	stats, err := h.sessions.GetStats()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"stats": stats})
}
