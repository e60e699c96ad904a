// Package model defines the provider-agnostic message and request/response
// types shared by the LLM router, backend adapters, and every caller of
// llm.Router.Generate. It is the smallest common contract every adapter in
// llm/anthropic, llm/openai, and llm/bedrock must satisfy.
package model

import (
	"context"
	"errors"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	// ConversationRoleSystem is the role for system messages.
	ConversationRoleSystem ConversationRole = "system"

	// ConversationRoleUser is the role for user messages.
	ConversationRoleUser ConversationRole = "user"

	// ConversationRoleAssistant is the role for assistant messages.
	ConversationRoleAssistant ConversationRole = "assistant"
)

type (
	// Message is a single chat message in a transcript sent to a model.
	Message struct {
		// Role identifies the speaker for this message.
		Role ConversationRole

		// Text is the message content. Code Evolver's prompts are plain text;
		// unlike a general agent runtime this does not need typed content
		// parts (images, tool-use blocks) since no role in policy.Roles ever
		// attaches multimodal content.
		Text string
	}

	// ModelClass identifies a model family/tier when a caller does not pin an
	// exact model identifier.
	ModelClass string

	// Request captures inputs for a single model invocation.
	Request struct {
		// RunID identifies the logical request for correlation in logs/traces.
		RunID string

		// Model is the provider-specific model identifier. When empty, the
		// adapter uses its configured default model; the adapters in this
		// module do not read ModelClass.
		Model string

		// ModelClass names a model family for a request that does not pin
		// Model. The anthropic, openai and bedrock adapters ignore it.
		ModelClass ModelClass

		// Messages is the ordered transcript provided to the model. The first
		// ConversationRoleSystem message, if present, is the system prompt and
		// must never be dropped by truncation (see truncate in package llm).
		Messages []Message

		// Temperature controls sampling when supported by the provider.
		Temperature float64

		// MaxTokens caps the number of output tokens when supported.
		MaxTokens int

		// Stream requests streaming responses when true and supported.
		Stream bool
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		// Text is the concatenated assistant output.
		Text string

		// Usage reports token consumption for the request.
		Usage TokenUsage

		// StopReason records why generation stopped (provider-specific).
		StopReason string
	}

	// TokenUsage tracks token counts for a model call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Chunk is a streaming event from the model.
	Chunk struct {
		// Text carries incremental assistant text for this chunk.
		Text string

		// Done reports whether this is the final chunk in the stream.
		Done bool

		// StopReason records why streaming stopped; only set when Done is true.
		StopReason string
	}

	// Streamer delivers incremental model output.
	//
	// Callers must drain the stream until Recv returns io.EOF or another
	// terminal error, then call Close.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Client is the provider-agnostic model client every backend adapter
	// implements. The router never talks to a provider SDK directly; it only
	// ever calls through a Client.
	Client interface {
		// Complete performs a non-streaming model invocation.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream performs a streaming model invocation when supported.
		Stream(ctx context.Context, req *Request) (Streamer, error)

		// Embed returns a dense embedding vector for text. Adapters that do
		// not support embeddings return ErrEmbeddingUnsupported.
		Embed(ctx context.Context, text string) ([]float32, error)
	}
)

const (
	// ModelClassHighReasoning selects a high-reasoning (escalation/"god")
	// model family.
	ModelClassHighReasoning ModelClass = "high-reasoning"

	// ModelClassDefault selects the default model family.
	ModelClassDefault ModelClass = "default"

	// ModelClassSmall selects a small/cheap model family (triage, embedding).
	ModelClassSmall ModelClass = "small"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Callers must not retry in a tight loop; llm.Router treats this as
// a transient per-endpoint failure and advances to the next endpoint.
var ErrRateLimited = errors.New("model: rate limited")

// ErrEmbeddingUnsupported indicates the adapter cannot produce embeddings.
var ErrEmbeddingUnsupported = errors.New("model: embedding not supported by this adapter")

// ErrStreamingUnsupported indicates the adapter does not support streaming.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
