// Package openai provides a model.Client implementation backed by OpenAI's
// Chat Completions API, used for roles the routing policy maps to
// policy.BackendOpenAI. The same adapter also serves any OpenAI-compatible
// local gateway (for example an Ollama instance exposing the OpenAI shim)
// by pointing Options.BaseURL at that gateway.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codeevolver/evolver/model"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string

	// MaxTokens is the completion cap applied when the request leaves
	// MaxTokens unset.
	MaxTokens int
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTokens    int
}

// New builds an OpenAI-backed model client from a chat client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client against the default OpenAI endpoint.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// NewFromBaseURL constructs a client against a custom OpenAI-compatible
// endpoint, used to route a role at a local gateway (e.g. Ollama).
func NewFromBaseURL(baseURL, apiKey, defaultModel string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("openai: base url is required")
	}
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	oc := openai.NewClient(opts...)
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai: chat.completions.new: %w", err)
	}
	return translateResponse(resp), nil
}

// Stream is unsupported; see llm/anthropic's Client.Stream for rationale.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// Embed always returns model.ErrEmbeddingUnsupported: OpenAI's embeddings
// endpoint is not wired through ChatClient. Embeddings come from the
// separate Embedder instead (see NewEmbedder).
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, model.ErrEmbeddingUnsupported
}


func (c *Client) prepareRequest(req *model.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case model.ConversationRoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Text))
		case model.ConversationRoleUser:
			msgs = append(msgs, openai.UserMessage(m.Text))
		case model.ConversationRoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: msgs,
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return &params, nil
}

func translateResponse(resp *openai.ChatCompletion) *model.Response {
	var text string
	var stopReason string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		stopReason = string(resp.Choices[0].FinishReason)
	}
	return &model.Response{
		Text: text,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: stopReason,
	}
}

func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, model.ErrRateLimited)
}
