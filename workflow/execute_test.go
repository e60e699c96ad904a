package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/artifact/inmem"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/sandbox"
	"github.com/codeevolver/evolver/toolregistry"
)

type scriptedLLM struct {
	mu    sync.Mutex
	calls int
	fn    func(role string, input string, call int) (string, error)
}

func (g *scriptedLLM) Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	g.mu.Unlock()
	text := ""
	if len(messages) > 0 {
		text = messages[0].Text
	}
	return g.fn(role, text, call)
}

func echoGenerator() *scriptedLLM {
	return &scriptedLLM{fn: func(role, input string, call int) (string, error) {
		return fmt.Sprintf("%s:%s", role, input), nil
	}}
}

func TestExecuteThreadsOutputsThroughDependencyChain(t *testing.T) {
	gen := echoGenerator()
	exec := NewExecutor(WithGenerator(gen))
	spec := &Spec{
		WorkflowID: "chain",
		Inputs:     []string{"task"},
		Outputs:    []string{"final"},
		Steps: []Step{
			{ID: "draft", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"prompt": "task"}, OutputName: "draft_out"},
			{ID: "polish", Kind: KindLLMCall, ToolRef: "polisher", InputMapping: map[string]string{"prompt": "draft_out"}, OutputName: "final", DependsOn: []string{"draft"}},
		},
	}

	outputs, report, err := exec.Execute(context.Background(), spec, map[string]string{"task": "hello"})
	require.NoError(t, err)
	assert.Contains(t, outputs["final"], "polisher:")
	assert.Contains(t, report.Outcomes["draft"].Output, "generator:")
	assert.True(t, report.Outcomes["polish"].Started)
}

func TestExecuteRetriesFailingStepUpToMaxRetries(t *testing.T) {
	var calls int32
	gen := &scriptedLLM{fn: func(role, input string, call int) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return "", fmt.Errorf("transient failure")
		}
		return "ok", nil
	}}
	exec := NewExecutor(WithGenerator(gen))
	spec := &Spec{
		WorkflowID: "retry",
		Inputs:     []string{"task"},
		Steps: []Step{
			{ID: "s1", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "task"}, OutputName: "out", RetryPolicy: RetryPolicy{MaxRetries: 2}},
		},
	}

	_, report, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Outcomes["s1"].Attempts)
}

func TestExecuteOptionalStepFailureDoesNotFailWorkflow(t *testing.T) {
	gen := &scriptedLLM{fn: func(role, input string, call int) (string, error) {
		if role == "flaky" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}}
	exec := NewExecutor(WithGenerator(gen))
	spec := &Spec{
		WorkflowID: "optional",
		Inputs:     []string{"task"},
		Outputs:    []string{"required_out"},
		Steps: []Step{
			{ID: "opt", Kind: KindLLMCall, ToolRef: "flaky", InputMapping: map[string]string{"p": "task"}, OutputName: "opt_out", Optional: true},
			{ID: "req", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "task"}, OutputName: "required_out"},
		},
	}

	outputs, report, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", outputs["required_out"])
	assert.Error(t, report.Outcomes["opt"].Err)
}

func TestExecuteRequiredStepFailureSkipsDownstreamAndLaterLevels(t *testing.T) {
	gen := &scriptedLLM{fn: func(role, input string, call int) (string, error) {
		if role == "failing" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}}
	exec := NewExecutor(WithGenerator(gen))
	spec := &Spec{
		WorkflowID: "fails",
		Inputs:     []string{"task"},
		Steps: []Step{
			{ID: "a", Kind: KindLLMCall, ToolRef: "failing", InputMapping: map[string]string{"p": "task"}, OutputName: "a_out"},
			{ID: "b", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "a_out"}, OutputName: "b_out", DependsOn: []string{"a"}},
			{ID: "c", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "task"}, OutputName: "c_out"},
		},
	}

	_, report, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.Error(t, err)
	assert.True(t, report.Outcomes["b"].Skipped)
	assert.True(t, report.Outcomes["c"].Started, "step c shares level 0 with a and should still run to completion")
}

func TestExecuteBoundsConcurrencyToPoolSize(t *testing.T) {
	var active int32
	var maxActive int32
	gen := &scriptedLLM{fn: func(role, input string, call int) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	}}
	exec := NewExecutor(WithGenerator(gen), WithPoolSize(2))

	steps := make([]Step, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, Step{ID: fmt.Sprintf("s%d", i), Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "task"}, OutputName: fmt.Sprintf("o%d", i)})
	}
	spec := &Spec{WorkflowID: "pool", Inputs: []string{"task"}, Steps: steps}

	_, _, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(maxActive), 2)
}

func TestRunWorkflowDispatchesSubWorkflowViaLookup(t *testing.T) {
	gen := echoGenerator()
	sub := &Spec{
		WorkflowID: "sub",
		Inputs:     []string{"in"},
		Outputs:    []string{"sub_out"},
		Steps: []Step{
			{ID: "only", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"p": "in"}, OutputName: "sub_out"},
		},
	}
	lookup := &mapLookup{specs: map[string]*Spec{"sub": sub}}
	exec := NewExecutor(WithGenerator(gen), WithWorkflowLookup(lookup))

	out, err := exec.RunWorkflow(context.Background(), "sub", "payload")
	require.NoError(t, err)
	assert.Contains(t, out, "generator:")
}

type mapLookup struct{ specs map[string]*Spec }

func (m *mapLookup) Lookup(ctx context.Context, id string) (*Spec, error) {
	s, ok := m.specs[id]
	if !ok {
		return nil, fmt.Errorf("no such workflow %q", id)
	}
	return s, nil
}

type fakeRunner struct {
	metrics *sandbox.ExecutionMetrics
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, spec sandbox.Spec) (*sandbox.ExecutionMetrics, error) {
	return r.metrics, r.err
}

func TestExecuteDispatchesCodeToolStep(t *testing.T) {
	run := &fakeRunner{metrics: &sandbox.ExecutionMetrics{Success: true, Stdout: "42"}}
	exec := NewExecutor(WithRunner(run))
	spec := &Spec{
		WorkflowID: "code",
		Inputs:     []string{"task"},
		Outputs:    []string{"result"},
		Steps: []Step{
			{ID: "s1", Kind: KindCodeTool, ToolRef: "./run.sh", InputMapping: map[string]string{"input": "task"}, OutputName: "result"},
		},
	}
	outputs, _, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.NoError(t, err)
	assert.Equal(t, "42", outputs["result"])
}

func TestExecuteDispatchesExistingToolStepViaRegistry(t *testing.T) {
	mem := inmem.New()
	reg := toolregistry.NewRegistry(mem, toolregistry.WithLLMGenerator(registryLLMAdapter{}))
	require.NoError(t, reg.Register(context.Background(), &toolregistry.Tool{
		ID:         "summarizer",
		Name:       "summarizer",
		Kind:       toolregistry.KindLLMSpecialist,
		Invocation: toolregistry.Invocation{Role: "summarize"},
	}))

	exec := NewExecutor(WithToolInvoker(reg))
	spec := &Spec{
		WorkflowID: "tool",
		Inputs:     []string{"task"},
		Outputs:    []string{"summary"},
		Steps: []Step{
			{ID: "s1", Kind: KindExistingTool, ToolRef: "summarizer", InputMapping: map[string]string{"input": "task"}, OutputName: "summary"},
		},
	}
	outputs, _, err := exec.Execute(context.Background(), spec, map[string]string{"task": "x"})
	require.NoError(t, err)
	assert.Equal(t, "summarized", outputs["summary"])
}

type registryLLMAdapter struct{}

func (registryLLMAdapter) Generate(ctx context.Context, role string, prompt string) (string, error) {
	return "summarized", nil
}
