package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/model"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return f.resp, f.err
}

func TestCompleteTranslatesTextResponse(t *testing.T) {
	fake := &fakeMessages{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{})
	assert.Error(t, err)
}

func TestCompleteWrapsRateLimitSentinel(t *testing.T) {
	fake := &fakeMessages{err: model.ErrRateLimited}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}},
	})
	assert.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestNewRequiresDefaultModel(t *testing.T) {
	_, err := New(&fakeMessages{}, Options{})
	assert.Error(t, err)
}
