package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codeevolver/evolver/model"
)

// EmbeddingsClient captures the subset of the OpenAI SDK used to produce
// embeddings for the C2 Artifact Memory.
type EmbeddingsClient interface {
	New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Embedder implements model.Client's Embed method (and a non-functional
// Complete/Stream pair) so it can be registered under the "embedding" role
// without requiring the router to special-case embedding-only clients.
type Embedder struct {
	embeddings EmbeddingsClient
	model      string
	dim        int
}

// NewEmbedder builds an Embedder bound to a specific embedding model and the
// expected output dimension D (spec.md §3 "Invariants": every embedding's
// length must equal the configured D).
func NewEmbedder(embeddings EmbeddingsClient, modelID string, dim int) (*Embedder, error) {
	if embeddings == nil {
		return nil, errors.New("openai: embeddings client is required")
	}
	if modelID == "" {
		return nil, errors.New("openai: embedding model is required")
	}
	if dim <= 0 {
		return nil, errors.New("openai: embedding dimension must be positive")
	}
	return &Embedder{embeddings: embeddings, model: modelID, dim: dim}, nil
}

// NewEmbedderFromAPIKey constructs an Embedder against the default OpenAI
// endpoint.
func NewEmbedderFromAPIKey(apiKey, modelID string, dim int) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return NewEmbedder(&oc.Embeddings, modelID, dim)
}

func (e *Embedder) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, errors.New("openai: embedder does not support Complete")
}

func (e *Embedder) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// Embed returns the embedding vector for text, validating that the
// provider returned exactly the configured dimension.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings.new: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: embeddings.new returned no data")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != e.dim {
		return nil, fmt.Errorf("openai: embedding dimension mismatch: got %d, want %d", len(raw), e.dim)
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}
