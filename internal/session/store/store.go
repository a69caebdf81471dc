// Package store persists session records in a single JSON document.
package store

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/session/models"
	"github.com/csdwd/claude-code-server/internal/store/jsonstore"
)

// FileName is the on-disk document name inside the data directory.
const FileName = "sessions.json"

// document is the persisted layout: {"sessions": [...]}.
type document struct {
	Sessions []*models.Session `json:"sessions"`
}

// Stats summarizes the session population.
type Stats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Archived      int     `json:"archived"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalMessages int     `json:"total_messages"`
}

// ListOptions filters List results.
type ListOptions struct {
	Status      models.Status // empty matches all
	ProjectPath string        // empty matches all
	Limit       int           // 0 means no limit
}

// SessionStore owns the sessions document.
type SessionStore struct {
	store *jsonstore.Store[document]
}

// New creates a session store rooted at dataDir.
func New(dataDir string) *SessionStore {
	return &SessionStore{
		store: jsonstore.New(filepath.Join(dataDir, FileName), func() *document {
			return &document{Sessions: []*models.Session{}}
		}),
	}
}

// Create fills defaults and appends the record.
func (s *SessionStore) Create(partial *models.Session) (*models.Session, error) {
	sess := partial.Clone()
	now := time.Now().UTC()

	if sess.ID == "" {
		sess.ID = jsonstore.NewID()
	}
	if sess.Status == "" {
		sess.Status = models.StatusActive
	}
	sess.TotalCostUSD = 0
	sess.MessagesCount = 0
	sess.CreatedAt = now
	sess.UpdatedAt = now

	err := s.store.WithLock(func(doc *document) error {
		doc.Sessions = append(doc.Sessions, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Get returns the session by id, or a not-found error.
func (s *SessionStore) Get(id string) (*models.Session, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	for _, sess := range doc.Sessions {
		if sess.ID == id {
			return sess.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("session", id)
}

// Update applies a typed patch and bumps updated_at.
func (s *SessionStore) Update(id string, patch models.Patch) (*models.Session, error) {
	var updated *models.Session
	err := s.store.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return apperrors.NotFound("session", id)
		}
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.Model != nil {
			sess.Model = *patch.Model
		}
		if patch.ProjectPath != nil {
			sess.ProjectPath = *patch.ProjectPath
		}
		if patch.Metadata != nil {
			sess.Metadata = patch.Metadata
		}
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the record. Returns false when the id is unknown.
func (s *SessionStore) Delete(id string) (bool, error) {
	deleted := false
	err := s.store.WithLock(func(doc *document) error {
		for i, sess := range doc.Sessions {
			if sess.ID == id {
				doc.Sessions = append(doc.Sessions[:i], doc.Sessions[i+1:]...)
				deleted = true
				return nil
			}
		}
		return nil
	})
	return deleted, err
}

// List returns sessions matching the options, ordered by updated_at
// descending.
func (s *SessionStore) List(opts ListOptions) ([]*models.Session, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Session, 0, len(doc.Sessions))
	for _, sess := range doc.Sessions {
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		if opts.ProjectPath != "" && sess.ProjectPath != opts.ProjectPath {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Search matches the query case-insensitively against the session id and a
// JSON rendering of its metadata. Results keep List ordering.
func (s *SessionStore) Search(query string, limit int) ([]*models.Session, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	result := make([]*models.Session, 0)
	for _, sess := range doc.Sessions {
		if strings.Contains(strings.ToLower(sess.ID), needle) {
			result = append(result, sess.Clone())
			continue
		}
		if sess.Metadata != nil {
			raw, err := json.Marshal(sess.Metadata)
			if err == nil && strings.Contains(strings.ToLower(string(raw)), needle) {
				result = append(result, sess.Clone())
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// IncrementMessages bumps the message counter.
func (s *SessionStore) IncrementMessages(id string) (*models.Session, error) {
	var updated *models.Session
	err := s.store.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return apperrors.NotFound("session", id)
		}
		sess.MessagesCount++
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddCost accrues execution cost. Negative deltas are refused so the total
// never drops below zero from the accrual path.
func (s *SessionStore) AddCost(id string, delta float64) (*models.Session, error) {
	if delta < 0 {
		return nil, apperrors.BadRequest("cost delta must not be negative")
	}
	var updated *models.Session
	err := s.store.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return apperrors.NotFound("session", id)
		}
		sess.TotalCostUSD += delta
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Cleanup removes sessions idle (by updated_at) longer than the retention
// cutoff.
func (s *SessionStore) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.store.WithLock(func(doc *document) error {
		kept := doc.Sessions[:0]
		for _, sess := range doc.Sessions {
			if sess.UpdatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, sess)
		}
		doc.Sessions = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetStats returns population counters.
func (s *SessionStore) GetStats() (*Stats, error) {
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(doc.Sessions)}
	for _, sess := range doc.Sessions {
		switch sess.Status {
		case models.StatusActive:
			stats.Active++
		case models.StatusArchived:
			stats.Archived++
		}
		stats.TotalCostUSD += sess.TotalCostUSD
		stats.TotalMessages += sess.MessagesCount
	}
	return stats, nil
}

func findSession(doc *document, id string) *models.Session {
	for _, sess := range doc.Sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}
