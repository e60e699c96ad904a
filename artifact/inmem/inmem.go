// Package inmem provides an in-process implementation of artifact.Memory
// backed by a map guarded by a single RWMutex, suitable for development,
// testing, and single-node deployments where persistence across restarts is
// not required.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeevolver/evolver/artifact"
)

// Store is an in-memory implementation of artifact.Memory. It is safe for
// concurrent use: reads take the read lock, writes the write lock, matching
// the "lock-free reads, writes serialised per artifact id" shape described
// for the Artifact Memory's concurrency model — approximated here with one
// mutex rather than per-id locks, acceptable at in-process scale.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*artifact.Artifact
	embedder  artifact.Embedder
	dimension int
	alpha     float64
}

var _ artifact.Memory = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithEmbedder sets the embedder used to compute embeddings for artifacts
// that arrive at Put without one, and for Search queries. Without one,
// Search falls back to a case-insensitive substring match over name and
// description, plus the type and tag filters.
func WithEmbedder(e artifact.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithDimension sets the expected embedding dimension D. Put rejects
// artifacts whose embedding length does not match D.
func WithDimension(d int) Option {
	return func(s *Store) { s.dimension = d }
}

// WithQualityAlpha overrides the exponential moving average weight used by
// UpdateQuality. Defaults to artifact.DefaultQualityAlpha.
func WithQualityAlpha(alpha float64) Option {
	return func(s *Store) { s.alpha = alpha }
}

// New creates a new in-memory artifact store.
func New(opts ...Option) *Store {
	s := &Store{
		artifacts: make(map[string]*artifact.Artifact),
		alpha:     artifact.DefaultQualityAlpha,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or updates an artifact, preserving created_at and usage_count
// monotonicity on update, per the spec invariant that concurrent puts with
// the same id are last-writer-wins on metadata but never regress those two
// fields.
func (s *Store) Put(ctx context.Context, a *artifact.Artifact) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := s.ensureEmbedding(ctx, a); err != nil {
		if err == artifact.ErrDimensionMismatch {
			return err
		}
		// Put still succeeds with the artifact marked non-searchable; the
		// caller decides whether to log the degraded embed.
		a.Embedding = nil
		a.Searchable = false
		s.store(a)
		return err
	}

	s.store(a)
	return nil
}

func (s *Store) store(a *artifact.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.artifacts[a.ID]; ok {
		if a.UsageCount < existing.UsageCount {
			a.UsageCount = existing.UsageCount
		}
		if existing.CreatedAt.Before(a.CreatedAt) || a.CreatedAt.IsZero() {
			a.CreatedAt = existing.CreatedAt
		}
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.artifacts[a.ID] = a
}

func (s *Store) ensureEmbedding(ctx context.Context, a *artifact.Artifact) error {
	if len(a.Embedding) > 0 {
		if s.dimension > 0 && len(a.Embedding) != s.dimension {
			return artifact.ErrDimensionMismatch
		}
		a.Searchable = true
		return nil
	}
	if s.embedder == nil {
		a.Searchable = false
		return nil
	}
	vec, err := s.embedder.Embed(ctx, embeddingSource(a))
	if err != nil {
		return artifact.ErrEmbeddingUnavailable
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return artifact.ErrDimensionMismatch
	}
	a.Embedding = vec
	a.Searchable = true
	return nil
}

func embeddingSource(a *artifact.Artifact) string {
	if a.Description != "" {
		return a.Name + ": " + a.Description
	}
	return a.Name + "\n" + a.Content
}

// Get performs an exact lookup by id.
func (s *Store) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return a, nil
}

// Search computes a query embedding and ranks searchable artifacts by
// cosine similarity, filtered by type and tags.
func (s *Store) Search(ctx context.Context, q artifact.SearchQuery) ([]artifact.SearchResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	minSim := q.MinSimilarity
	if minSim == 0 {
		minSim = artifact.DefaultMinSimilarity
	}

	var queryVec []float32
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, q.Text)
		if err == nil {
			queryVec = vec
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]artifact.SearchResult, 0)
	for _, a := range s.artifacts {
		if q.Type != "" && a.Type != q.Type {
			continue
		}
		if !a.HasAllTags(q.Tags) {
			continue
		}
		if len(queryVec) == 0 {
			// MemoryDegraded: no embedder configured or the embed call
			// failed. Fall back to a substring match over name/description
			// rather than refusing the search outright.
			if matchesSubstring(a, q.Text) {
				results = append(results, artifact.SearchResult{Artifact: a, Similarity: minSim})
			}
			continue
		}
		if !a.Searchable {
			continue
		}
		sim := artifact.CosineSimilarity(queryVec, a.Embedding)
		if sim < minSim {
			continue
		}
		results = append(results, artifact.SearchResult{Artifact: a, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if q.K > 0 && len(results) > q.K {
		results = results[:q.K]
	}
	return results, nil
}

// List returns a non-semantic listing filtered by type and tags.
func (s *Store) List(ctx context.Context, q artifact.ListQuery) ([]*artifact.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*artifact.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if q.Type != "" && a.Type != q.Type {
			continue
		}
		if !a.HasAllTags(q.Tags) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// UpdateQuality applies an EMA update to the artifact's quality score and
// increments its usage count.
func (s *Store) UpdateQuality(ctx context.Context, id string, score float64, pass bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return artifact.ErrNotFound
	}
	a.QualityScore = artifact.UpdateQualityEMA(a.QualityScore, score, s.alpha)
	a.UsageCount++
	a.LastUsedAt = time.Now()
	a.UpdatedAt = a.LastUsedAt
	_ = pass // pass is folded into score by the caller (eval package); kept for contract parity with remote backend
	return nil
}

// Delete removes an artifact's metadata and embedding atomically — a single
// map delete, since both live in the same record.
func (s *Store) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return artifact.ErrNotFound
	}
	delete(s.artifacts, id)
	return nil
}

// matchesSubstring is retained for callers that want a degraded text match
// over name/description when operating without an embedder (MemoryDegraded
// mode, spec §failure modes table).
func matchesSubstring(a *artifact.Artifact, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(a.Name), q) || strings.Contains(strings.ToLower(a.Description), q)
}
