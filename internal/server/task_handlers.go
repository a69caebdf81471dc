package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	taskmodels "github.com/csdwd/claude-code-server/internal/task/models"
	taskstore "github.com/csdwd/claude-code-server/internal/task/store"
)

// CreateTask queues an async task without touching sessions.
// POST /api/tasks/async
func (h *handlers) CreateTask(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if field, msg := req.validate(); field != "" {
		respondValidation(c, field, msg)
		return
	}

	task, err := h.scheduler.Submit(c.Request.Context(), &taskmodels.Task{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		SessionID:   req.SessionID,
		Metadata:    req.taskMetadata(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"task": task})
}

// GetTask fetches one task.
// GET /api/tasks/:id
func (h *handlers) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task": task})
}

// ListTasks lists tasks in dispatch order, optionally filtered.
// GET /api/tasks?status=&limit=
func (h *handlers) ListTasks(c *gin.Context) {
	opts := taskstore.ListOptions{}
	if status := c.Query("status"); status != "" {
		s := taskmodels.Status(status)
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

	tasks, err := h.tasks.List(opts)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// UpdateTaskPriority patches priority on a pending or processing task.
// PATCH /api/tasks/:id/priority
func (h *handlers) UpdateTaskPriority(c *gin.Context) {
	var req struct {
		Priority int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "request", err.Error())
		return
	}
	if req.Priority < taskmodels.PriorityMin || req.Priority > taskmodels.PriorityMax {
		respondValidation(c, "priority", "must be between 1 and 10")
		return
	}

	id := c.Param("id")
	task, err := h.tasks.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.Status.Terminal() {
		respondError(c, apperrors.InvalidState("task "+id+" is "+string(task.Status)+", priority is immutable"))
		return
	}

	updated, err := h.tasks.Update(id, taskmodels.Patch{Priority: &req.Priority})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task": updated})
}

// CancelTask cancels a pending or processing task.
// DELETE /api/tasks/:id
func (h *handlers) CancelTask(c *gin.Context) {
	task, err := h.scheduler.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task": task})
}

// QueueStatus reports the scheduler view plus store-wide counters.
// GET /api/tasks/queue/status
func (h *handlers) QueueStatus(c *gin.Context) {
	status, err := h.scheduler.Status()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"running":      status.Running,
		"concurrency":  status.Concurrency,
		"active_tasks": status.ActiveTasks,
		"stats":        status.Stats,
	})
}
