// Package models defines the session entity.
package models

import "time"

// Status is the session lifecycle state.
type Status string

const (
	// StatusActive - session accepts continuations and accrues cost
	StatusActive Status = "active"
	// StatusArchived - session is read-only
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived
}

// Session groups executions sharing model and project context and
// accumulates their cost.
type Session struct {
	ID            string         `json:"id"`
	Model         string         `json:"model"`
	ProjectPath   string         `json:"project_path"`
	Status        Status         `json:"status"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	MessagesCount int            `json:"messages_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Patch is the set of fields the session store accepts for updates.
type Patch struct {
	Status      *Status
	Model       *string
	ProjectPath *string
	Metadata    map[string]any
}

// Clone returns a copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
