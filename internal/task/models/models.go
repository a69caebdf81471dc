// Package models defines the task entity and its lifecycle.
package models

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending - task queued, waiting for a concurrency slot
	StatusPending Status = "pending"
	// StatusProcessing - task claimed by the scheduler, executor running
	StatusProcessing Status = "processing"
	// StatusCompleted - executor finished successfully
	StatusCompleted Status = "completed"
	// StatusFailed - executor failed, timed out, or errored
	StatusFailed Status = "failed"
	// StatusCancelled - task cancelled before completion
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing: no transitions out.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Legal paths: pending -> processing, pending/processing -> cancelled,
// processing -> completed/failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Priority bounds. 10 is highest; new tasks default to PriorityDefault.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// Task is a persisted unit of work: one prompt executed by the Claude CLI
// under priority, timeout, and budget control.
type Task struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Priority    int            `json:"priority"`
	Prompt      string         `json:"prompt"`
	ProjectPath string         `json:"project_path"`
	Model       string         `json:"model"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	CostUSD     float64        `json:"cost_usd"`
	SessionID   string         `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WebhookURL returns the per-task callback override from metadata, if any.
func (t *Task) WebhookURL() string {
	if t.Metadata == nil {
		return ""
	}
	url, _ := t.Metadata["webhook_url"].(string)
	return url
}

// MetadataString returns a string metadata value by key.
func (t *Task) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[key].(string)
	return v
}

// MetadataFloat returns a numeric metadata value by key. JSON numbers decode
// as float64; integer values are accepted too.
func (t *Task) MetadataFloat(key string) float64 {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// MetadataStrings returns a string-slice metadata value by key. JSON arrays
// decode as []any, so both representations are accepted.
func (t *Task) MetadataStrings(key string) []string {
	if t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Patch is an explicit optional-field update applied by the task store.
// Only the fields the store recognizes are patchable; arbitrary keys from
// request bodies never reach the persisted record.
type Patch struct {
	Status      *Status
	Priority    *int
	Result      *string
	Error       *string
	DurationMs  *int64
	CostUSD     *float64
	SessionID   *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep-enough copy of the task for handing outside the store.
// Metadata is copied shallowly at the top level; values are treated as
// immutable by convention.
func (t *Task) Clone() *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.DurationMs != nil {
		d := *t.DurationMs
		c.DurationMs = &d
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
