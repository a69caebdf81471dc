package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/stats/models"
)

func newTestStore(t *testing.T) *StatsStore {
	t.Helper()
	return New(t.TempDir())
}

func TestRecordRequestAggregates(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordRequest(models.RequestRecord{
		Success: true, InputTokens: 10, OutputTokens: 20, CostUSD: 0.05, Model: "sonnet",
	}))
	require.NoError(t, s.RecordRequest(models.RequestRecord{
		Success: false, InputTokens: 3, OutputTokens: 0, CostUSD: 0, Model: "sonnet",
	}))
	require.NoError(t, s.RecordRequest(models.RequestRecord{
		Success: true, InputTokens: 7, OutputTokens: 9, CostUSD: 0.02, Model: "opus",
	}))

	agg, err := s.GetAggregate()
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Requests.Total)
	assert.Equal(t, 2, agg.Requests.Successful)
	assert.Equal(t, 1, agg.Requests.Failed)
	assert.Equal(t, 20, agg.Tokens.TotalInput)
	assert.Equal(t, 29, agg.Tokens.TotalOutput)
	assert.InDelta(t, 0.07, agg.Costs.TotalUSD, 1e-9)

	require.Contains(t, agg.Models, "sonnet")
	assert.Equal(t, 2, agg.Models["sonnet"].Count)
	assert.InDelta(t, 0.05, agg.Models["sonnet"].CostUSD, 1e-9)
	assert.Equal(t, 1, agg.Models["opus"].Count)
}

func TestRecordRequestDailyRollup(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true, CostUSD: 0.01, Model: "sonnet"}))
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: false, Model: "sonnet"}))

	daily, err := s.GetDaily(0)
	require.NoError(t, err)
	require.Len(t, daily, 1)

	today := time.Now().UTC().Format("2006-01-02")
	row := daily[0]
	assert.Equal(t, today, row.Date)
	assert.Equal(t, 2, row.Total)
	assert.Equal(t, 1, row.Successful)
	assert.Equal(t, 1, row.Failed)
	assert.Equal(t, 2, row.Models["sonnet"])
}

func TestDailyRollupsSplitByDate(t *testing.T) {
	s := newTestStore(t)

	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day }
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true}))

	s.now = func() time.Time { return day.AddDate(0, 0, 1) }
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true}))

	daily, err := s.GetDaily(0)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	// Newest first.
	assert.Equal(t, "2026-08-21", daily[0].Date)
	assert.Equal(t, "2026-08-20", daily[1].Date)

	limited, err := s.GetDaily(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "2026-08-21", limited[0].Date)
}

func TestDailyRetentionPrunesOldRows(t *testing.T) {
	s := newTestStore(t)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return old }
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true}))

	// A write far in the future prunes the stale row but keeps aggregates.
	s.now = func() time.Time { return old.AddDate(0, 0, DailyRetentionDays+5) }
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true}))

	daily, err := s.GetDaily(0)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.NotEqual(t, "2026-01-01", daily[0].Date)

	agg, err := s.GetAggregate()
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Requests.Total)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.RecordRequest(models.RequestRecord{Success: true, CostUSD: 0.25, Model: "sonnet"}))

	reopened := New(dir)
	agg, err := reopened.GetAggregate()
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Requests.Total)
	assert.InDelta(t, 0.25, agg.Costs.TotalUSD, 1e-9)
}
