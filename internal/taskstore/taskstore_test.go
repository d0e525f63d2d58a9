package taskstore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_LifecycleCompleted(t *testing.T) {
	db := openTestStore(t)
	s := New(db)

	rec, err := s.Create("write a function", []string{"a.go"}, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, shared.TaskQueued, rec.Status)

	require.NoError(t, s.MarkRunning(rec.ID, "ollama_local", shared.CategoryCodeGeneration, shared.ModeSingle))
	require.NoError(t, s.MarkCompleted(rec.ID, "done", nil))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, shared.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, "ollama_local", got.AssignedService)
	assert.Equal(t, []string{"a.go"}, got.Files)
}

func TestStore_LifecycleFailed(t *testing.T) {
	db := openTestStore(t)
	s := New(db)

	rec, err := s.Create("do something", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkRunning(rec.ID, "qwen", shared.CategoryGeneral, shared.ModeSingle))
	require.NoError(t, s.MarkFailed(rec.ID, errors.New("backend unreachable"), "partial out"))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.TaskFailed, got.Status)
	assert.Equal(t, "backend unreachable", got.Error)
	assert.Equal(t, "partial out", got.Result)
}

func TestStore_MarkFailed_TruncatesPartialResultTo500Chars(t *testing.T) {
	db := openTestStore(t)
	s := New(db)

	rec, err := s.Create("do something", nil, nil)
	require.NoError(t, err)

	long := strings.Repeat("x", 600)
	require.NoError(t, s.MarkFailed(rec.ID, errors.New("boom"), long))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Result, 500)
}

func TestStore_ListByStatus(t *testing.T) {
	db := openTestStore(t)
	s := New(db)

	a, err := s.Create("a", nil, nil)
	require.NoError(t, err)
	_, err = s.Create("b", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(a.ID, "qwen", shared.CategoryGeneral, shared.ModeSingle))

	queued, err := s.ListByStatus(shared.TaskQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	running, err := s.ListByStatus(shared.TaskRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
}

func TestStore_GetMissing(t *testing.T) {
	db := openTestStore(t)
	s := New(db)

	got, err := s.Get("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}
