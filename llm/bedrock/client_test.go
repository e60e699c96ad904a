package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/model"
)

type fakeRuntime struct {
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.output, f.err
}

func TestBedrockCompleteTranslatesResponse(t *testing.T) {
	fake := &fakeRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "fixed"}},
				},
			},
			StopReason: brtypes.StopReasonEndTurn,
		},
	}
	c, err := New(fake, Options{DefaultModel: "anthropic.claude-bedrock"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.ConversationRoleUser, Text: "fix this"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.Text)
}

func TestBedrockRejectsEmptyMessages(t *testing.T) {
	c, err := New(&fakeRuntime{}, Options{DefaultModel: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{})
	assert.Error(t, err)
}
