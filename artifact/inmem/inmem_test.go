package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/artifact"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func TestPutComputesEmbeddingWhenMissing(t *testing.T) {
	s := New(WithEmbedder(&fakeEmbedder{vec: []float32{1, 0, 0}}), WithDimension(3))
	a := &artifact.Artifact{ID: "a1", Type: artifact.TypeFunction, Name: "add"}
	require.NoError(t, s.Put(context.Background(), a))
	assert.True(t, a.Searchable)
	assert.Len(t, a.Embedding, 3)
}

func TestPutMarksNonSearchableOnEmbeddingFailure(t *testing.T) {
	s := New(WithEmbedder(&fakeEmbedder{err: assert.AnError}))
	a := &artifact.Artifact{ID: "a1", Type: artifact.TypeFunction, Name: "add"}
	err := s.Put(context.Background(), a)
	assert.ErrorIs(t, err, artifact.ErrEmbeddingUnavailable)
	assert.False(t, a.Searchable)

	got, getErr := s.Get(context.Background(), "a1")
	require.NoError(t, getErr)
	assert.False(t, got.Searchable)
}

func TestPutRejectsDimensionMismatch(t *testing.T) {
	s := New(WithDimension(3))
	a := &artifact.Artifact{ID: "a1", Embedding: []float32{1, 2}}
	err := s.Put(context.Background(), a)
	assert.ErrorIs(t, err, artifact.ErrDimensionMismatch)
}

func TestPutPreservesUsageCountAndCreatedAtAcrossUpdate(t *testing.T) {
	s := New()
	first := &artifact.Artifact{ID: "a1", Name: "v1"}
	require.NoError(t, s.Put(context.Background(), first))
	require.NoError(t, s.UpdateQuality(context.Background(), "a1", 0.9, true))

	second := &artifact.Artifact{ID: "a1", Name: "v2"}
	require.NoError(t, s.Put(context.Background(), second))

	got, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.GreaterOrEqual(t, got.UsageCount, 1)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
}

func TestSearchRanksByCosineSimilarityAndFiltersType(t *testing.T) {
	s := New(WithEmbedder(&fakeEmbedder{vec: []float32{1, 0}}))
	require.NoError(t, s.Put(context.Background(), &artifact.Artifact{
		ID: "close", Type: artifact.TypeFunction, Embedding: []float32{1, 0},
	}))
	require.NoError(t, s.Put(context.Background(), &artifact.Artifact{
		ID: "far", Type: artifact.TypeFunction, Embedding: []float32{0, 1},
	}))
	require.NoError(t, s.Put(context.Background(), &artifact.Artifact{
		ID: "wrong-type", Type: artifact.TypePlan, Embedding: []float32{1, 0},
	}))

	results, err := s.Search(context.Background(), artifact.SearchQuery{
		Text: "q", Type: artifact.TypeFunction, K: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].Artifact.ID)
}

func TestUpdateQualityAppliesEMA(t *testing.T) {
	s := New(WithQualityAlpha(0.5))
	a := &artifact.Artifact{ID: "a1", QualityScore: 0.4}
	require.NoError(t, s.Put(context.Background(), a))

	require.NoError(t, s.UpdateQuality(context.Background(), "a1", 1.0, true))
	got, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.QualityScore, 1e-9)
	assert.Equal(t, 1, got.UsageCount)
}

func TestDeleteRemovesArtifact(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), &artifact.Artifact{ID: "a1"}))
	require.NoError(t, s.Delete(context.Background(), "a1"))
	_, err := s.Get(context.Background(), "a1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "a1"), artifact.ErrNotFound)
}
