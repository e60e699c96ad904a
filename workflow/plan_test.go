package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/model"
)

type fakeGenerator struct {
	response string
	err      error
	lastRole string
}

func (g *fakeGenerator) Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error) {
	g.lastRole = role
	return g.response, g.err
}

func TestPlannerParsesFencedSpecAndDefaultsRole(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n" + `{"workflow_id":"w1","inputs":["task"],"outputs":["result"],"steps":[
		{"step_id":"s1","kind":"LLM_CALL","tool_ref":"generator","input_mapping":{"prompt":"task"},"output_name":"result","depends_on":[],"timeout_ms":1000,"optional":false,"retry_policy":{"max_retries":0}}
	]}` + "\n```"}
	p := NewPlanner(gen, "")

	spec, err := p.Plan(context.Background(), "write a function")
	require.NoError(t, err)
	assert.Equal(t, "overseer", gen.lastRole)
	assert.Equal(t, "w1", spec.WorkflowID)
	assert.Len(t, spec.Steps, 1)
}

func TestPlannerRejectsResponseViolatingSchema(t *testing.T) {
	gen := &fakeGenerator{response: `{"workflow_id":"w1","steps":[
		{"step_id":"s1","kind":"NOT_A_REAL_KIND"}
	]}`}
	p := NewPlanner(gen, "overseer")

	_, err := p.Plan(context.Background(), "task")
	assert.ErrorContains(t, err, "schema")
}

func TestPlannerRejectsInvalidSpec(t *testing.T) {
	gen := &fakeGenerator{response: `{"workflow_id":"w1","inputs":[],"outputs":["missing"],"steps":[
		{"step_id":"s1","kind":"LLM_CALL","tool_ref":"generator","input_mapping":{},"output_name":"result","depends_on":[]}
	]}`}
	p := NewPlanner(gen, "overseer")

	_, err := p.Plan(context.Background(), "task")
	assert.Error(t, err)
}

func TestPlannerSingleStepPlanIsLegal(t *testing.T) {
	gen := &fakeGenerator{response: `{"workflow_id":"w1","inputs":["task"],"outputs":[],"steps":[
		{"step_id":"only","kind":"LLM_CALL","tool_ref":"generator","input_mapping":{"prompt":"task"},"output_name":"out","depends_on":[]}
	]}`}
	p := NewPlanner(gen, "overseer")

	spec, err := p.Plan(context.Background(), "task")
	require.NoError(t, err)
	assert.Len(t, spec.Steps, 1)
}

func specWith(steps ...Step) *Spec {
	return &Spec{WorkflowID: "w", Inputs: []string{"task"}, Steps: steps}
}

func TestValidateDetectsCycle(t *testing.T) {
	spec := specWith(
		Step{ID: "a", Kind: KindLLMCall, ToolRef: "x", DependsOn: []string{"b"}},
		Step{ID: "b", Kind: KindLLMCall, ToolRef: "x", DependsOn: []string{"a"}},
	)
	err := Validate(spec)
	assert.ErrorContains(t, err, "cycle")
}

func TestValidateDetectsUnknownDependency(t *testing.T) {
	spec := specWith(Step{ID: "a", Kind: KindLLMCall, ToolRef: "x", DependsOn: []string{"missing"}})
	err := Validate(spec)
	assert.ErrorContains(t, err, "unknown step")
}

func TestValidateDetectsMismatchedParallelGroupClosures(t *testing.T) {
	spec := specWith(
		Step{ID: "a", Kind: KindLLMCall, ToolRef: "x", DependsOn: nil},
		Step{ID: "b", Kind: KindLLMCall, ToolRef: "x", DependsOn: []string{"a"}, ParallelGroup: "g"},
		Step{ID: "c", Kind: KindLLMCall, ToolRef: "x", DependsOn: nil, ParallelGroup: "g"},
	)
	err := Validate(spec)
	assert.ErrorContains(t, err, "parallel_group")
}

func TestValidateDetectsInputMappingOutsideClosure(t *testing.T) {
	spec := specWith(
		Step{ID: "a", Kind: KindLLMCall, ToolRef: "x", OutputName: "a_out"},
		Step{ID: "b", Kind: KindLLMCall, ToolRef: "x", InputMapping: map[string]string{"p": "a_out"}},
	)
	err := Validate(spec)
	assert.ErrorContains(t, err, "outside its depends_on closure")
}

func TestValidateAcceptsWellFormedDAG(t *testing.T) {
	spec := &Spec{
		WorkflowID: "w",
		Inputs:     []string{"task"},
		Outputs:    []string{"final"},
		Steps: []Step{
			{ID: "a", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"prompt": "task"}, OutputName: "draft"},
			{ID: "b", Kind: KindLLMCall, ToolRef: "generator", InputMapping: map[string]string{"prompt": "draft"}, OutputName: "final", DependsOn: []string{"a"}},
		},
	}
	assert.NoError(t, Validate(spec))
}

func TestValidateRejectsEmptySpec(t *testing.T) {
	assert.Error(t, Validate(&Spec{WorkflowID: "w"}))
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	spec := specWith(
		Step{ID: "a", Kind: KindLLMCall, ToolRef: "x"},
		Step{ID: "a", Kind: KindLLMCall, ToolRef: "y"},
	)
	assert.ErrorContains(t, Validate(spec), "duplicate")
}
