// Package remote provides a production artifact.Memory backend: artifact
// metadata and vectors live in a pluggable remote vector database, fronted
// by a Redis-backed cache of recent puts so a put followed by a search on
// the same goroutine observes the new artifact even though the remote index
// itself is only eventually consistent (spec: "cross-thread visibility is
// 'by next search', not instantaneous").
package remote

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeevolver/evolver/artifact"
)

// VectorRecord is the persisted representation of an artifact in the remote
// vector database: the vector plus the metadata needed to reconstruct an
// artifact.Artifact without a second round trip.
type VectorRecord struct {
	ID         string
	Type       artifact.Type
	Vector     []float32
	Metadata   []byte // json-encoded artifact.Artifact snapshot
	Searchable bool
}

// VectorDBClient is the interface any remote vector database adapter must
// satisfy. Code Evolver treats the specific vector database as an
// operational choice outside this module's scope; callers supply an
// implementation (e.g. a thin wrapper over pgvector, Pinecone, Qdrant).
type VectorDBClient interface {
	// Upsert stores or replaces a vector record.
	Upsert(ctx context.Context, rec VectorRecord) error

	// Query returns up to k ids ranked by similarity to vector, restricted
	// to typ when non-empty.
	Query(ctx context.Context, vector []float32, typ artifact.Type, k int) ([]Match, error)

	// Get fetches a single record by id.
	Get(ctx context.Context, id string) (*VectorRecord, error)

	// List returns records filtered by type, most-recently-created first.
	List(ctx context.Context, typ artifact.Type, limit int) ([]VectorRecord, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, id string) error

	// Count reports the number of stored records.
	Count(ctx context.Context) (int64, error)
}

// Match is a single vector query hit.
type Match struct {
	ID         string
	Similarity float64
}

// cacheTTL bounds how long a just-written artifact is trusted to appear in
// Search/List results ahead of the remote index catching up. Chosen to
// comfortably exceed typical vector-DB replication lag without holding
// stale data indefinitely.
const cacheTTL = 2 * time.Minute

// Store implements artifact.Memory against a VectorDBClient, using Redis as
// a read-your-writes cache of recently-put artifacts.
type Store struct {
	db        VectorDBClient
	cache     *redis.Client
	embedder  artifact.Embedder
	dimension int
	alpha     float64
	keyPrefix string
}

var _ artifact.Memory = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithEmbedder sets the embedder used to compute embeddings for artifacts
// that arrive at Put without one, and for Search queries.
func WithEmbedder(e artifact.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithDimension sets the expected embedding dimension D.
func WithDimension(d int) Option {
	return func(s *Store) { s.dimension = d }
}

// WithQualityAlpha overrides the EMA weight used by UpdateQuality.
func WithQualityAlpha(alpha float64) Option {
	return func(s *Store) { s.alpha = alpha }
}

// WithKeyPrefix namespaces the Redis keys this Store writes, letting
// multiple Code Evolver deployments share a Redis instance.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New constructs a Store over db for vector storage and cache for the
// recent-put overlay.
func New(db VectorDBClient, cache *redis.Client, opts ...Option) *Store {
	s := &Store{
		db:        db,
		cache:     cache,
		alpha:     artifact.DefaultQualityAlpha,
		keyPrefix: "codeevolver:artifact:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) cacheKey(id string) string {
	return s.keyPrefix + id
}

// Put upserts the artifact into the remote vector database and immediately
// mirrors it into the Redis cache so a same-goroutine Search observes it
// without waiting on the remote index.
func (s *Store) Put(ctx context.Context, a *artifact.Artifact) error {
	embedErr := s.ensureEmbedding(ctx, a)
	if embedErr == artifact.ErrDimensionMismatch {
		return embedErr
	}

	if existing, err := s.db.Get(ctx, a.ID); err == nil && existing != nil {
		if prior, decodeErr := decodeArtifact(existing.Metadata); decodeErr == nil {
			if a.UsageCount < prior.UsageCount {
				a.UsageCount = prior.UsageCount
			}
			if prior.CreatedAt.Before(a.CreatedAt) || a.CreatedAt.IsZero() {
				a.CreatedAt = prior.CreatedAt
			}
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = time.Now()

	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	rec := VectorRecord{ID: a.ID, Type: a.Type, Vector: a.Embedding, Metadata: payload, Searchable: a.Searchable}
	if err := s.db.Upsert(ctx, rec); err != nil {
		return err
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, s.cacheKey(a.ID), payload, cacheTTL).Err()
	}

	return embedErr
}

func (s *Store) ensureEmbedding(ctx context.Context, a *artifact.Artifact) error {
	if len(a.Embedding) > 0 {
		if s.dimension > 0 && len(a.Embedding) != s.dimension {
			a.Embedding = nil
			a.Searchable = false
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
		a.Searchable = false
		return artifact.ErrEmbeddingUnavailable
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		a.Searchable = false
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

// Get checks the Redis overlay first (covers artifacts the remote index has
// not yet caught up to), then falls back to the remote store.
func (s *Store) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, s.cacheKey(id)).Bytes(); err == nil {
			if a, decodeErr := decodeArtifact(raw); decodeErr == nil {
				return a, nil
			}
		}
	}

	rec, err := s.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, artifact.ErrNotFound
	}
	return decodeArtifact(rec.Metadata)
}

// Search computes a query embedding, queries the remote vector database for
// candidate ids, and merges in any cached recent puts of the same type that
// the remote index may not have indexed yet.
func (s *Store) Search(ctx context.Context, q artifact.SearchQuery) ([]artifact.SearchResult, error) {
	minSim := q.MinSimilarity
	if minSim == 0 {
		minSim = artifact.DefaultMinSimilarity
	}
	if s.embedder == nil {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, nil // MemoryDegraded: caller should fall back to List/tag filtering.
	}

	matches, err := s.db.Query(ctx, queryVec, q.Type, max(q.K*2, q.K+8))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(matches))
	results := make([]artifact.SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < minSim {
			continue
		}
		rec, err := s.db.Get(ctx, m.ID)
		if err != nil || rec == nil {
			continue
		}
		a, err := decodeArtifact(rec.Metadata)
		if err != nil || !a.HasAllTags(q.Tags) {
			continue
		}
		seen[a.ID] = true
		results = append(results, artifact.SearchResult{Artifact: a, Similarity: m.Similarity})
	}

	results = append(results, s.searchCacheOverlay(ctx, q, queryVec, minSim, seen)...)

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if q.K > 0 && len(results) > q.K {
		results = results[:q.K]
	}
	return results, nil
}

// searchCacheOverlay scans the Redis overlay for artifacts not yet surfaced
// by the remote index. The overlay is expected to be small (recent puts
// only) so a linear scan over its keys is acceptable.
func (s *Store) searchCacheOverlay(ctx context.Context, q artifact.SearchQuery, queryVec []float32, minSim float64, seen map[string]bool) []artifact.SearchResult {
	if s.cache == nil {
		return nil
	}
	iter := s.cache.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	var out []artifact.SearchResult
	for iter.Next(ctx) {
		raw, err := s.cache.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		a, err := decodeArtifact(raw)
		if err != nil || seen[a.ID] {
			continue
		}
		if q.Type != "" && a.Type != q.Type {
			continue
		}
		if !a.Searchable || !a.HasAllTags(q.Tags) {
			continue
		}
		sim := artifact.CosineSimilarity(queryVec, a.Embedding)
		if sim < minSim {
			continue
		}
		out = append(out, artifact.SearchResult{Artifact: a, Similarity: sim})
	}
	return out
}

// List returns a non-semantic listing from the remote store.
func (s *Store) List(ctx context.Context, q artifact.ListQuery) ([]*artifact.Artifact, error) {
	recs, err := s.db.List(ctx, q.Type, q.Limit)
	if err != nil {
		return nil, err
	}
	result := make([]*artifact.Artifact, 0, len(recs))
	for _, rec := range recs {
		a, err := decodeArtifact(rec.Metadata)
		if err != nil || !a.HasAllTags(q.Tags) {
			continue
		}
		result = append(result, a)
	}
	return result, nil
}

// UpdateQuality reads the current record, applies the EMA update, and
// writes it back through Put so the cache overlay stays consistent.
func (s *Store) UpdateQuality(ctx context.Context, id string, score float64, pass bool) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	a.QualityScore = artifact.UpdateQualityEMA(a.QualityScore, score, s.alpha)
	a.UsageCount++
	a.LastUsedAt = time.Now()
	_ = pass
	return s.Put(ctx, a)
}

// Delete removes the artifact from both the remote store and the cache
// overlay.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, s.cacheKey(id)).Err()
	}
	return nil
}

func decodeArtifact(raw []byte) (*artifact.Artifact, error) {
	var a artifact.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
