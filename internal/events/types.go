// Package events provides event types and utilities for the claude-code-server
// event system.
package events

// Task lifecycle events published by the scheduler.
const (
	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskTimeout   = "task.timeout"
	TaskError     = "task.error"
	TaskCancelled = "task.cancelled"
)

// Session lifecycle events.
const (
	SessionCreated = "session.created"
	SessionDeleted = "session.deleted"
)

// Statistics events.
const (
	StatsSnapshot = "stats.snapshot"
)

// TaskWildcard subscribes to all task lifecycle events.
const TaskWildcard = "task.>"

// SessionWildcard subscribes to all session lifecycle events.
const SessionWildcard = "session.>"

// WebhookEvents is the set of events forwarded to HTTP callbacks. Internal
// events (task.submitted, task.started) stay on the bus only.
var WebhookEvents = map[string]bool{
	TaskCompleted:  true,
	TaskFailed:     true,
	TaskTimeout:    true,
	TaskError:      true,
	TaskCancelled:  true,
	SessionCreated: true,
	SessionDeleted: true,
}
