// Package store persists request statistics: process-wide aggregates plus a
// rolling window of daily rollups.
package store

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/csdwd/claude-code-server/internal/stats/models"
	"github.com/csdwd/claude-code-server/internal/store/jsonstore"
)

// FileName is the on-disk document name inside the data directory.
const FileName = "statistics.json"

// DailyRetentionDays bounds the daily rollup window.
const DailyRetentionDays = 90

// document is the persisted layout of statistics.json.
type document struct {
	Daily    []*models.Daily              `json:"daily"`
	Requests models.Requests              `json:"requests"`
	Tokens   models.Tokens                `json:"tokens"`
	Costs    models.Costs                 `json:"costs"`
	Models   map[string]models.ModelUsage `json:"models"`
}

// StatsStore owns the statistics document. It is a pure sink: callers push
// request outcomes, readers get aggregate and daily views.
type StatsStore struct {
	store *jsonstore.Store[document]
	now   func() time.Time
}

// New creates a stats store rooted at dataDir.
func New(dataDir string) *StatsStore {
	return &StatsStore{
		store: jsonstore.New(filepath.Join(dataDir, FileName), func() *document {
			return &document{
				Daily:  []*models.Daily{},
				Models: map[string]models.ModelUsage{},
			}
		}),
		now: time.Now,
	}
}

// RecordRequest folds one request outcome into the aggregates and today's
// daily rollup, pruning rollup rows older than the retention window.
func (s *StatsStore) RecordRequest(rec models.RequestRecord) error {
	return s.store.WithLock(func(doc *document) error {
		doc.Requests.Total++
		if rec.Success {
			doc.Requests.Successful++
		} else {
			doc.Requests.Failed++
		}
		doc.Tokens.TotalInput += rec.InputTokens
		doc.Tokens.TotalOutput += rec.OutputTokens
		doc.Costs.TotalUSD += rec.CostUSD

		if rec.Model != "" {
			if doc.Models == nil {
				doc.Models = map[string]models.ModelUsage{}
			}
			usage := doc.Models[rec.Model]
			usage.Count++
			usage.CostUSD += rec.CostUSD
			doc.Models[rec.Model] = usage
		}

		today := s.now().UTC().Format("2006-01-02")
		day := findDaily(doc, today)
		if day == nil {
			day = &models.Daily{Date: today, Models: map[string]int{}}
			doc.Daily = append(doc.Daily, day)
		}
		day.Total++
		if rec.Success {
			day.Successful++
		} else {
			day.Failed++
		}
		day.InputTokens += rec.InputTokens
		day.OutputTokens += rec.OutputTokens
		day.CostUSD += rec.CostUSD
		if rec.Model != "" {
			if day.Models == nil {
				day.Models = map[string]int{}
			}
			day.Models[rec.Model]++
		}

		pruneDaily(doc, s.now().UTC())
		return nil
	})
}

// GetAggregate returns the process-wide totals.
func (s *StatsStore) GetAggregate() (*models.Aggregate, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	agg := &models.Aggregate{
		Requests: doc.Requests,
		Tokens:   doc.Tokens,
		Costs:    doc.Costs,
		Models:   map[string]models.ModelUsage{},
	}
	for k, v := range doc.Models {
		agg.Models[k] = v
	}
	return agg, nil
}

// GetDaily returns up to limit rollup rows, newest first. A zero limit
// returns the whole retained window.
func (s *StatsStore) GetDaily(limit int) ([]*models.Daily, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Daily, 0, len(doc.Daily))
	for _, d := range doc.Daily {
		cp := *d
		cp.Models = make(map[string]int, len(d.Models))
		for k, v := range d.Models {
			cp.Models[k] = v
		}
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date > result[j].Date
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func findDaily(doc *document, date string) *models.Daily {
	for _, d := range doc.Daily {
		if d.Date == date {
			return d
		}
	}
	return nil
}

func pruneDaily(doc *document, now time.Time) {
	cutoff := now.AddDate(0, 0, -DailyRetentionDays).Format("2006-01-02")
	kept := doc.Daily[:0]
	for _, d := range doc.Daily {
		if d.Date < cutoff {
			continue
		}
		kept = append(kept, d)
	}
	doc.Daily = kept
}
