package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/sandbox"
)

func TestNewStoreCreatesRootAndManifest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "nodes"))
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	n := &Node{ID: "n1", InputSchema: `{"type":"object"}`, Entrypoint: "go run"}
	require.NoError(t, s.Save(n, "package main", "package main_test"))

	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.NotEmpty(t, got.SourcePath)
	assert.NotEmpty(t, got.TestPath)
	assert.False(t, got.CreatedAt.IsZero())

	src, err := s.ReadSource(got)
	require.NoError(t, err)
	assert.Equal(t, "package main", src)
}

func TestSavePreservesCreatedAtAndMetricsAcrossUpdate(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	n := &Node{ID: "n1"}
	require.NoError(t, s.Save(n, "v1", ""))
	first, err := s.Get("n1")
	require.NoError(t, err)

	require.NoError(t, s.RecordExecution("n1", &sandbox.ExecutionMetrics{ExitCode: 0, Success: true}))

	n2 := &Node{ID: "n1"}
	require.NoError(t, s.Save(n2, "v2", ""))

	updated, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, updated.CreatedAt)
	require.NotNil(t, updated.LastMetrics)
	assert.True(t, updated.LastMetrics.Success)

	src, err := s.ReadSource(updated)
	require.NoError(t, err)
	assert.Equal(t, "v2", src)
}

func TestRecordExecutionUnknownNodeErrors(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	err = s.RecordExecution("missing", &sandbox.ExecutionMetrics{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownNodeErrors(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesNodeDirAndManifestEntry(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	n := &Node{ID: "n1"}
	require.NoError(t, s.Save(n, "src", ""))

	require.NoError(t, s.Delete("n1"))

	_, err = s.Get("n1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteUnknownNodeErrors(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete("missing"), ErrNotFound)
}

func TestListReturnsAllSavedNodes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(&Node{ID: "a"}, "a-src", ""))
	require.NoError(t, s.Save(&Node{ID: "b"}, "b-src", ""))

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestReopeningStoreLoadsExistingManifest(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Save(&Node{ID: "n1"}, "src", ""))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	got, err := s2.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
}
