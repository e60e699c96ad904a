package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/policy"
)

// recordingClient counts how many times Complete was invoked and always
// succeeds, echoing back a fixed response.
type recordingClient struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *recordingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("boom")
	}
	return &model.Response{Text: "ok"}, nil
}

func (c *recordingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrRateLimited
}

func (c *recordingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, model.ErrEmbeddingUnsupported
}

func newTestRouter(t *testing.T, endpoints []string) (*Router, []*recordingClient) {
	t.Helper()
	clients := make([]*recordingClient, len(endpoints))
	idx := 0
	factory := Factory(func(endpoint, modelID string) (model.Client, error) {
		c := &recordingClient{}
		clients[idx] = c
		idx++
		return c, nil
	})

	doc := &policy.Document{
		Roles: map[string]policy.RoleConfig{
			"generator": {
				Backend:   policy.BackendAnthropic,
				Model:     "claude-x",
				Endpoints: endpoints,
				Tier:      policy.TierFast,
			},
		},
	}
	resolver, err := policy.NewResolver(doc)
	require.NoError(t, err)

	r := New(resolver, map[policy.Backend]Factory{policy.BackendAnthropic: factory}, nil, nil)
	return r, clients
}

func TestRoundRobinFairness(t *testing.T) {
	endpoints := []string{"e1", "e2", "e3"}
	r, clients := newTestRouter(t, endpoints)

	const n = 10
	for i := 0; i < n; i++ {
		_, err := r.Generate(context.Background(), "generator", []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}}, Options{})
		require.NoError(t, err)
	}

	m := len(endpoints)
	lower := n / m
	upper := (n + m - 1) / m
	for _, c := range clients {
		c.mu.Lock()
		calls := c.calls
		c.mu.Unlock()
		assert.True(t, calls == lower || calls == upper, "calls=%d expected %d or %d", calls, lower, upper)
	}
}

func TestTruncateKeepsSystemPrompt(t *testing.T) {
	messages := []model.Message{
		{Role: model.ConversationRoleSystem, Text: strings.Repeat("s", 100)},
		{Role: model.ConversationRoleUser, Text: strings.Repeat("a", 10000)},
		{Role: model.ConversationRoleAssistant, Text: strings.Repeat("b", 10000)},
		{Role: model.ConversationRoleUser, Text: "latest"},
	}
	out, err := truncate(messages, 1100) // window just above reservedOutputTokens forces truncation
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, model.ConversationRoleSystem, out[0].Role)
	assert.Equal(t, "latest", out[len(out)-1].Text)
}

func TestTruncateErrorsWhenSystemPromptAloneOverflows(t *testing.T) {
	messages := []model.Message{
		{Role: model.ConversationRoleSystem, Text: strings.Repeat("s", 100000)},
	}
	_, err := truncate(messages, 1100)
	assert.ErrorIs(t, err, ErrContextOverflow)
}

func TestDispatchFallsBackAcrossEndpointsThenFails(t *testing.T) {
	doc := &policy.Document{
		Roles: map[string]policy.RoleConfig{
			"generator": {Backend: policy.BackendAnthropic, Model: "m", Endpoints: []string{"e1", "e2"}, Tier: policy.TierFast},
		},
	}
	resolver, err := policy.NewResolver(doc)
	require.NoError(t, err)

	failing := &recordingClient{fail: true}
	factory := Factory(func(endpoint, modelID string) (model.Client, error) {
		return failing, nil
	})
	r := New(resolver, map[policy.Backend]Factory{policy.BackendAnthropic: factory}, nil, nil)

	_, err = r.Generate(context.Background(), "generator", []model.Message{{Role: model.ConversationRoleUser, Text: "hi"}}, Options{})
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}
