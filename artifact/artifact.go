// Package artifact defines the polymorphic Artifact record and the Memory
// contract that both the in-process (artifact/inmem) and remote
// (artifact/remote) backends satisfy. Every caller — the tool registry, the
// escalator, the generation pipeline — talks to a Memory, never to a
// concrete backend.
package artifact

import (
	"context"
	"errors"
	"math"
	"time"
)

// Type discriminates the payload carried by an Artifact. Code Evolver models
// the artifact record as a flat struct with a Type tag rather than a type
// hierarchy, keeping persistence and the vector-DB payload trivial.
type Type string

const (
	TypePlan         Type = "PLAN"
	TypeFunction     Type = "FUNCTION"
	TypeWorkflow     Type = "WORKFLOW"
	TypeSubWorkflow  Type = "SUB_WORKFLOW"
	TypeTool         Type = "TOOL"
	TypePrompt       Type = "PROMPT"
	TypePattern      Type = "PATTERN"
	TypeCodeFix      Type = "CODE_FIX"
	TypeFailure      Type = "FAILURE"
	TypePerfRecord   Type = "PERF_RECORD"
	TypeEvaluation   Type = "EVALUATION"
	TypeConversation Type = "CONVERSATION"
)

// Artifact is the single polymorphic record type persisted by the Artifact
// Memory. Content is an opaque payload: source text for code, JSON for a
// workflow spec, plain text for a plan.
type Artifact struct {
	ID          string
	Type        Type
	Name        string
	Description string
	Content     string
	Tags        []string
	Metadata    map[string]string

	// Embedding is nil for exact-only artifacts (EmbeddingUnavailable at put
	// time, or a type that is never searched semantically). When non-nil its
	// length must equal the configured dimension D.
	Embedding []float32

	QualityScore float64
	UsageCount   int
	LastUsedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Searchable is false when Embedding is nil because the embedding role
	// failed at put time. The artifact still exists and is reachable by Get,
	// but Search skips it.
	Searchable bool
}

// HasTag reports whether the artifact carries tag among its Tags.
func (a *Artifact) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags reports whether the artifact carries every tag in tags.
func (a *Artifact) HasAllTags(tags []string) bool {
	for _, t := range tags {
		if !a.HasTag(t) {
			return false
		}
	}
	return true
}

// SearchResult pairs a matched artifact with its cosine similarity to the
// query embedding.
type SearchResult struct {
	Artifact   *Artifact
	Similarity float64
}

// SearchQuery parameterizes Memory.Search.
type SearchQuery struct {
	Text          string
	Type          Type // zero value matches any type
	Tags          []string
	K             int
	MinSimilarity float64 // defaults to 0.3 when zero
}

// ListQuery parameterizes Memory.List.
type ListQuery struct {
	Type  Type
	Tags  []string
	Limit int
}

// Embedder computes a dense embedding for text. llm.Router satisfies this
// via its "embedding" role; Memory implementations hold one to compute
// embeddings on Put and Search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Memory is the contract both backends (artifact/inmem and artifact/remote)
// satisfy. Selection between them is configuration-time, not compile-time.
type Memory interface {
	// Put inserts or updates an artifact. If the artifact has no embedding
	// and its type is expected to be searchable, Put computes one via the
	// configured Embedder. A failed embed does not fail the put: the
	// artifact is persisted with Searchable=false (ErrEmbeddingUnavailable
	// is returned alongside the successful put so callers can log it).
	Put(ctx context.Context, a *Artifact) error

	// Get performs an exact lookup by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Artifact, error)

	// Search computes a query embedding and returns the top-K artifacts by
	// cosine similarity, filtered by type and tag set, omitting results
	// below MinSimilarity.
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)

	// List returns a non-semantic listing filtered by type and tags.
	List(ctx context.Context, q ListQuery) ([]*Artifact, error)

	// UpdateQuality applies an exponential moving average update to the
	// artifact's quality score and increments its usage count.
	UpdateQuality(ctx context.Context, id string, score float64, pass bool) error

	// Delete removes an artifact's metadata and embedding atomically.
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is returned by Get and Delete for an unknown artifact id.
var ErrNotFound = errors.New("artifact: not found")

// ErrEmbeddingUnavailable indicates the configured Embedder failed while
// computing an embedding for Put. The put still succeeds; the artifact is
// marked non-searchable.
var ErrEmbeddingUnavailable = errors.New("artifact: embedding unavailable")

// ErrDimensionMismatch indicates an artifact's embedding does not match the
// Memory's configured dimension D (spec invariant: corruption that violates
// this is rejected at put time).
var ErrDimensionMismatch = errors.New("artifact: embedding dimension mismatch")

// DefaultMinSimilarity is applied to a SearchQuery that leaves
// MinSimilarity at its zero value.
const DefaultMinSimilarity = 0.3

// DefaultQualityAlpha is the exponential moving average weight applied to
// quality score updates when a Memory is not configured with an explicit
// alpha (spec: "defaulting to α=0.3; do not change the prior over time
// without explicit configuration").
const DefaultQualityAlpha = 0.3

// UpdateQualityEMA applies an exponential moving average update to a prior
// quality score. Shared by both backends so the update semantics never
// drift between them.
func UpdateQualityEMA(prior, observed, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultQualityAlpha
	}
	updated := alpha*observed + (1-alpha)*prior
	switch {
	case updated < 0:
		return 0
	case updated > 1:
		return 1
	default:
		return updated
	}
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 for mismatched lengths or zero vectors rather than
// erroring, since callers treat a non-match as "not similar" not as a fault.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
