package jsonstore

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Items []string `json:"items"`
}

func newTestStore(t *testing.T) *Store[testDoc] {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "test.json"), func() *testDoc {
		return &testDoc{Items: []string{}}
	})
}

func TestReadMissingFileReturnsDefault(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Items)
}

func TestWithLockPersistsAndReloads(t *testing.T) {
	store := newTestStore(t)

	err := store.WithLock(func(doc *testDoc) error {
		doc.Items = append(doc.Items, "a", "b")
		return nil
	})
	require.NoError(t, err)

	// A fresh store over the same path sees the persisted document.
	reloaded := New(store.Path(), func() *testDoc { return &testDoc{} })
	doc, err := reloaded.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, doc.Items)
}

func TestWithLockMutateErrorAbortsWrite(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WithLock(func(doc *testDoc) error {
		doc.Items = []string{"keep"}
		return nil
	}))

	err := store.WithLock(func(doc *testDoc) error {
		doc.Items = []string{"discard"}
		return assert.AnError
	})
	require.Error(t, err)

	doc, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, doc.Items)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WithLock(func(doc *testDoc) error {
		doc.Items = []string{"x"}
		return nil
	}))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(store.Path()), entries[0].Name())
}

func TestCorruptFileSurfacesError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))

	_, err := store.Read()
	assert.Error(t, err)
}

func TestNewIDUniqueAndSortable(t *testing.T) {
	const n = 1000
	ids := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids = append(ids, id)
	}

	// Ids generated in sequence within one millisecond still sort by the
	// embedded counter, so the whole run is lexicographically ordered.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids)
}
