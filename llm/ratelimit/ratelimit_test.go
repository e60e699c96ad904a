package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/model"
)

type stubClient struct {
	err error
}

func (s *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Text: "ok"}, s.err
}
func (s *stubClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}
func (s *stubClient) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

func TestBackoffReducesLimitOnRateLimit(t *testing.T) {
	l := New(6000, 6000)
	before := l.currentTPM

	wrapped := l.Wrap(&stubClient{err: model.ErrRateLimited})
	_, _ = wrapped.Complete(context.Background(), &model.Request{Messages: []model.Message{{Text: "hi"}}})

	assert.Less(t, l.currentTPM, before)
}

func TestProbeRestoresLimitOnSuccessUpToCeiling(t *testing.T) {
	l := New(1000, 2000)
	l.currentTPM = 1000

	wrapped := l.Wrap(&stubClient{})
	for i := 0; i < 50; i++ {
		_, err := wrapped.Complete(context.Background(), &model.Request{Messages: []model.Message{{Text: "hi"}}})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, l.currentTPM, l.maxTPM)
	assert.GreaterOrEqual(t, l.currentTPM, 1000.0)
}
