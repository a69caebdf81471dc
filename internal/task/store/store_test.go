package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/task/models"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	return New(t.TempDir())
}

func TestCreateFillsDefaults(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Create(&models.Task{Prompt: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, models.PriorityDefault, task.Priority)
	assert.Zero(t, task.CostUSD)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestCreateIgnoresCallerStatus(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Create(&models.Task{Prompt: "x", Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(&models.Task{Prompt: "x"})
	require.NoError(t, err)

	processing, err := s.MarkProcessing(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, processing.Status)
	require.NotNil(t, processing.StartedAt)

	completed, err := s.MarkCompleted(task.ID, "done", 0.05)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Equal(t, "done", completed.Result)
	assert.Equal(t, 0.05, completed.CostUSD)
	require.NotNil(t, completed.CompletedAt)
	require.NotNil(t, completed.DurationMs)
	assert.GreaterOrEqual(t, *completed.DurationMs, int64(0))
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(&models.Task{Prompt: "x"})
	require.NoError(t, err)

	_, err = s.MarkProcessing(task.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(task.ID, "ok", 0)
	require.NoError(t, err)

	_, err = s.MarkProcessing(task.ID)
	assert.True(t, apperrors.IsInvalidState(err))
	_, err = s.MarkFailed(task.ID, "late failure")
	assert.True(t, apperrors.IsInvalidState(err))
	_, err = s.Cancel(task.ID)
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestCancelPendingLeavesStartedAtNull(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(&models.Task{Prompt: "x"})
	require.NoError(t, err)

	cancelled, err := s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.StartedAt)
	assert.Nil(t, cancelled.DurationMs)
	require.NotNil(t, cancelled.CompletedAt)

	// Second cancel is a refusal, not a second state change.
	_, err = s.Cancel(task.ID)
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestDispatchOrder(t *testing.T) {
	s := newTestStore(t)

	low, err := s.Create(&models.Task{Prompt: "low", Priority: 3})
	require.NoError(t, err)
	high, err := s.Create(&models.Task{Prompt: "high", Priority: 7})
	require.NoError(t, err)
	mid, err := s.Create(&models.Task{Prompt: "mid", Priority: 5})
	require.NoError(t, err)

	next, err := s.NextPending()
	require.NoError(t, err)
	assert.Equal(t, high.ID, next.ID)

	_, err = s.MarkProcessing(high.ID)
	require.NoError(t, err)

	next, err = s.NextPending()
	require.NoError(t, err)
	assert.Equal(t, mid.ID, next.ID)

	tasks, err := s.List(ListOptions{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestEqualPriorityOrdersByAge(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Create(&models.Task{Prompt: "first", Priority: 5})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Create(&models.Task{Prompt: "second", Priority: 5})
	require.NoError(t, err)

	next, err := s.NextPending()
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)
}

func TestNextPendingEmpty(t *testing.T) {
	s := newTestStore(t)

	next, err := s.NextPending()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPriorityPatchAffectsNextDispatch(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Create(&models.Task{Prompt: "a", Priority: 5})
	require.NoError(t, err)
	b, err := s.Create(&models.Task{Prompt: "b", Priority: 3})
	require.NoError(t, err)

	bumped := 9
	_, err = s.Update(b.ID, models.Patch{Priority: &bumped})
	require.NoError(t, err)

	next, err := s.NextPending()
	require.NoError(t, err)
	assert.Equal(t, b.ID, next.ID)
	_ = a
}

func TestResetProcessing(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Create(&models.Task{Prompt: "x"})
	require.NoError(t, err)
	_, err = s.MarkProcessing(task.ID)
	require.NoError(t, err)

	reset, err := s.ResetProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	// started_at survives the reset for observability.
	assert.NotNil(t, got.StartedAt)

	// No duplicate records after recovery.
	tasks, err := s.List(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestListFiltersAndLimits(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Create(&models.Task{Prompt: "x"})
		require.NoError(t, err)
	}
	done, err := s.Create(&models.Task{Prompt: "y"})
	require.NoError(t, err)
	_, err = s.MarkProcessing(done.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(done.ID, "ok", 0)
	require.NoError(t, err)

	pending, err := s.List(ListOptions{Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	limited, err := s.List(ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	s := newTestStore(t)

	old, err := s.Create(&models.Task{Prompt: "old"})
	require.NoError(t, err)
	_, err = s.MarkProcessing(old.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(old.ID, "ok", 0)
	require.NoError(t, err)

	// Backdate the completion beyond the retention window.
	stale := time.Now().UTC().AddDate(0, 0, -40)
	_, err = s.Update(old.ID, models.Patch{CompletedAt: &stale})
	require.NoError(t, err)

	fresh, err := s.Create(&models.Task{Prompt: "fresh"})
	require.NoError(t, err)

	deleted, err := s.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(old.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Create(&models.Task{Prompt: "a"})
	require.NoError(t, err)
	_, err = s.MarkProcessing(a.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(a.ID, "ok", 0.25)
	require.NoError(t, err)

	_, err = s.Create(&models.Task{Prompt: "b"})
	require.NoError(t, err)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0.25, stats.TotalCostUSD)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	task, err := s.Create(&models.Task{
		Prompt:   "persist me",
		Priority: 8,
		Metadata: map[string]any{"webhook_url": "https://example.com/hook"},
	})
	require.NoError(t, err)

	reopened := New(dir)
	got, err := reopened.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Prompt, got.Prompt)
	assert.Equal(t, 8, got.Priority)
	assert.Equal(t, "https://example.com/hook", got.WebhookURL())
}
