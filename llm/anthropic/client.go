// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API, used for roles the routing policy maps to
// policy.BackendAnthropic (spec.md §6 "LLM backend protocol", Anthropic
// messages API adapter).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeevolver/evolver/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter, so callers can substitute a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string

	// MaxTokens is the completion cap applied when the request leaves
	// MaxTokens unset.
	MaxTokens int
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client that authenticates with apiKey (passed
// to the SDK through option.WithAPIKey).
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

// Stream is not implemented for the Code Evolver core loop: every role in
// policy.Document is driven via Complete. Adapters still satisfy
// model.Client's Stream method so they remain substitutable, but callers
// that request streaming get ErrStreamingUnsupported.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// Embed is unsupported on the Messages API; embeddings are routed to a
// dedicated embedding-capable backend (typically OpenAI) by policy.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, model.ErrEmbeddingUnsupported
}


func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []sdk.TextBlockParam
	var msgs []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case model.ConversationRoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Text})
		case model.ConversationRoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case model.ConversationRoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return &params, nil
}

func translateResponse(msg *sdk.Message) *model.Response {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &model.Response{
		Text: text,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
}

// isRateLimited reports whether err already carries model.ErrRateLimited,
// either because a test double injected it directly or because a lower
// transport layer classified it. Matching the teacher's adapter, detailed
// HTTP-status inspection of the underlying SDK error is left to that
// transport layer rather than duplicated here.
func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, model.ErrRateLimited)
}
