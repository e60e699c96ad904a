package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/model"
)

type fakeChat struct {
	resp *openai.ChatCompletion
	err  error
}

func (f *fakeChat) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return f.resp, f.err
}

func TestOpenAICompleteTranslatesResponse(t *testing.T) {
	fake := &fakeChat{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{
					Message:      openai.ChatCompletionMessage{Content: "hello"},
					FinishReason: "stop",
				},
			},
		},
	}
	c, err := New(fake, Options{DefaultModel: "gpt-x"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestOpenAICompleteWrapsRateLimit(t *testing.T) {
	fake := &fakeChat{err: model.ErrRateLimited}
	c, err := New(fake, Options{DefaultModel: "gpt-x"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}},
	})
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestOpenAINewRequiresModel(t *testing.T) {
	_, err := New(&fakeChat{}, Options{})
	assert.Error(t, err)
}
