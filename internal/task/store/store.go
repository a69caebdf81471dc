// Package store persists task records in a single JSON document with
// priority-ordered access and status-transition helpers.
package store

import (
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/store/jsonstore"
	"github.com/csdwd/claude-code-server/internal/task/models"
)

// FileName is the on-disk document name inside the data directory.
const FileName = "tasks.json"

// document is the persisted layout: {"tasks": [...]}.
type document struct {
	Tasks []*models.Task `json:"tasks"`
}

// Stats summarizes the task population by status.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Processing   int     `json:"processing"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ListOptions filters List results.
type ListOptions struct {
	Status models.Status // empty matches all
	Limit  int           // 0 means no limit
}

// TaskStore owns the tasks document. All mutations run under the store's
// exclusive lock; queries read the latest persisted state.
type TaskStore struct {
	store *jsonstore.Store[document]
}

// New creates a task store rooted at dataDir.
func New(dataDir string) *TaskStore {
	return &TaskStore{
		store: jsonstore.New(filepath.Join(dataDir, FileName), func() *document {
			return &document{Tasks: []*models.Task{}}
		}),
	}
}

// Create fills defaults (id, timestamps, pending status, priority, cost) and
// appends the record.
func (s *TaskStore) Create(partial *models.Task) (*models.Task, error) {
	t := partial.Clone()
	now := time.Now().UTC()

	if t.ID == "" {
		t.ID = jsonstore.NewID()
	}
	t.Status = models.StatusPending
	if t.Priority == 0 {
		t.Priority = models.PriorityDefault
	}
	t.CostUSD = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	t.StartedAt = nil
	t.CompletedAt = nil

	err := s.store.WithLock(func(doc *document) error {
		doc.Tasks = append(doc.Tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Get returns the task by id, or a not-found error.
func (s *TaskStore) Get(id string) (*models.Task, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("task", id)
}

// Update applies a typed patch to the record and bumps updated_at. The store
// does not enforce the status FSM here; transition helpers below do.
func (s *TaskStore) Update(id string, patch models.Patch) (*models.Task, error) {
	var updated *models.Task
	err := s.store.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return apperrors.NotFound("task", id)
		}
		applyPatch(t, patch)
		t.UpdatedAt = time.Now().UTC()
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the record. Returns false when the id is unknown.
func (s *TaskStore) Delete(id string) (bool, error) {
	deleted := false
	err := s.store.WithLock(func(doc *document) error {
		for i, t := range doc.Tasks {
			if t.ID == id {
				doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
				deleted = true
				return nil
			}
		}
		return nil
	})
	return deleted, err
}

// List returns tasks matching the options, ordered by priority descending
// then created_at ascending.
func (s *TaskStore) List(opts ListOptions) ([]*models.Task, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		result = append(result, t.Clone())
	}
	sortByDispatchOrder(result)

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// NextPending returns the highest-priority oldest pending task, or nil.
func (s *TaskStore) NextPending() (*models.Task, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	var best *models.Task
	for _, t := range doc.Tasks {
		if t.Status != models.StatusPending {
			continue
		}
		if best == nil || dispatchBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// MarkProcessing transitions a pending task to processing and records
// started_at.
func (s *TaskStore) MarkProcessing(id string) (*models.Task, error) {
	var updated *models.Task
	err := s.store.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return apperrors.NotFound("task", id)
		}
		if !models.CanTransition(t.Status, models.StatusProcessing) {
			return apperrors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot start processing")
		}
		now := time.Now().UTC()
		t.Status = models.StatusProcessing
		t.StartedAt = &now
		t.UpdatedAt = now
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkCompleted transitions a processing task to completed, recording the
// executor result, cost, and measured duration.
func (s *TaskStore) MarkCompleted(id string, result string, costUSD float64) (*models.Task, error) {
	return s.finish(id, models.StatusCompleted, func(t *models.Task) {
		t.Result = result
		t.CostUSD = costUSD
	})
}

// MarkFailed transitions a processing task to failed with the error message.
func (s *TaskStore) MarkFailed(id string, errMsg string) (*models.Task, error) {
	return s.finish(id, models.StatusFailed, func(t *models.Task) {
		t.Error = errMsg
	})
}

// Cancel transitions a pending or processing task to cancelled. Terminal
// tasks are refused.
func (s *TaskStore) Cancel(id string) (*models.Task, error) {
	return s.finish(id, models.StatusCancelled, nil)
}

func (s *TaskStore) finish(id string, status models.Status, apply func(*models.Task)) (*models.Task, error) {
	var updated *models.Task
	err := s.store.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return apperrors.NotFound("task", id)
		}
		if !models.CanTransition(t.Status, status) {
			return apperrors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot transition to " + string(status))
		}
		now := time.Now().UTC()
		if apply != nil {
			apply(t)
		}
		if t.StartedAt != nil && status != models.StatusCancelled {
			d := now.Sub(*t.StartedAt).Milliseconds()
			t.DurationMs = &d
		}
		t.Status = status
		t.CompletedAt = &now
		t.UpdatedAt = now
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ResetProcessing returns every processing task to pending. Called on startup
// so work orphaned by a crash becomes eligible again; started_at is preserved
// for observability.
func (s *TaskStore) ResetProcessing() (int, error) {
	reset := 0
	err := s.store.WithLock(func(doc *document) error {
		now := time.Now().UTC()
		for _, t := range doc.Tasks {
			if t.Status == models.StatusProcessing {
				t.Status = models.StatusPending
				t.UpdatedAt = now
				reset++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// Cleanup removes terminal tasks whose completed_at (or created_at when a
// completion timestamp is missing) is older than the retention cutoff.
func (s *TaskStore) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.store.WithLock(func(doc *document) error {
		kept := doc.Tasks[:0]
		for _, t := range doc.Tasks {
			ref := t.CreatedAt
			if t.CompletedAt != nil {
				ref = *t.CompletedAt
			}
			if t.Status.Terminal() && ref.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, t)
		}
		doc.Tasks = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetStats returns per-status counts and the total cost of terminal tasks.
func (s *TaskStore) GetStats() (*Stats, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(doc.Tasks)}
	for _, t := range doc.Tasks {
		switch t.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusProcessing:
			stats.Processing++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusCancelled:
			stats.Cancelled++
		}
		stats.TotalCostUSD += t.CostUSD
	}
	return stats, nil
}

func findTask(doc *document, id string) *models.Task {
	for _, t := range doc.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func applyPatch(t *models.Task, patch models.Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.DurationMs != nil {
		t.DurationMs = patch.DurationMs
	}
	if patch.CostUSD != nil {
		t.CostUSD = *patch.CostUSD
	}
	if patch.SessionID != nil {
		t.SessionID = *patch.SessionID
	}
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
}

// dispatchBefore reports whether a should be dispatched before b:
// higher priority first, then earlier created_at, then lexicographic id.
func dispatchBefore(a, b *models.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortByDispatchOrder(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return dispatchBefore(tasks[i], tasks[j])
	})
}
