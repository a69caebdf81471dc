// Package jsonstore implements the file-backed JSON document store underlying
// the task, session, and statistics stores. Each store owns a single document
// persisted as one file; all writers are serialized per store and persistence
// is atomic (write to temp file, then rename).
package jsonstore

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds one JSON document of type D at a fixed path. The zero document
// is produced by init when the file does not exist yet.
type Store[D any] struct {
	path string
	init func() *D
	mu   sync.Mutex
}

// New creates a store for the document at path. init returns the default
// document used when the file is absent.
func New[D any](path string, init func() *D) *Store[D] {
	return &Store[D]{path: path, init: init}
}

// Path returns the on-disk location of the document.
func (s *Store[D]) Path() string {
	return s.path
}

// Read loads the current on-disk document, or the default structure if the
// file does not exist. The read is serialized with writers so it always
// observes the latest persisted state from this process.
func (s *Store[D]) Read() (*D, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// WithLock acquires the store's exclusive lock, loads the latest document,
// invokes mutate, and persists atomically. Any error from mutate or from
// persistence aborts without a partial write: the on-disk document and the
// view seen by subsequent reads stay at the pre-mutation state.
func (s *Store[D]) WithLock(mutate func(doc *D) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store[D]) load() (*D, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.init(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	doc := s.init()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store[D]) save(doc *D) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

var idCounter atomic.Uint64

// NewID returns an identifier unique within the process and sortable by
// creation time: hex milliseconds since epoch, a monotonic counter, and a
// random suffix.
func NewID() string {
	now := time.Now().UnixMilli()
	seq := idCounter.Add(1) & 0xffff

	var rnd [3]byte
	if _, err := cryptorand.Read(rnd[:]); err != nil {
		// Fall back to counter-only uniqueness; ids stay unique per process.
		return fmt.Sprintf("%012x%04x", now, seq)
	}
	return fmt.Sprintf("%012x%04x%s", now, seq, hex.EncodeToString(rnd[:]))
}
