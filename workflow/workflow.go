// Package workflow implements the Workflow Planner/Executor (C7): it asks
// the overseer role for a task decomposition, validates the result as a
// DAG, and executes it level-by-level over a bounded worker pool. It is a
// single-process scheduler, not a durable workflow engine: there is no
// replay, no persistence of in-flight state, and no distributed worker
// coordination, matching spec §1's "not a general job scheduler" non-goal.
package workflow

import (
	"context"
	"fmt"
	"runtime"

	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/sandbox"
	"github.com/codeevolver/evolver/toolregistry"
)

// Kind discriminates how a Step is dispatched.
type Kind string

const (
	KindLLMCall      Kind = "LLM_CALL"
	KindCodeTool     Kind = "CODE_TOOL"
	KindSubWorkflow  Kind = "SUB_WORKFLOW"
	KindExistingTool Kind = "EXISTING_TOOL"
)

// RetryPolicy controls per-step retry on failure.
type RetryPolicy struct {
	MaxRetries int
}

// Step is a single node in a WorkflowSpec's DAG.
type Step struct {
	ID   string
	Kind Kind

	// ToolRef names the dispatch target: an llm.Router role for
	// KindLLMCall, a command for KindCodeTool, a workflow id for
	// KindSubWorkflow, or a toolregistry.Tool id for KindExistingTool.
	ToolRef string

	// InputMapping maps a parameter name the step expects to a source
	// name resolved against workflow inputs and the OutputName of any
	// step in this step's DependsOn closure.
	InputMapping map[string]string

	// OutputName is the name this step's result is published under for
	// downstream steps and, if present in the workflow's Outputs, for
	// the workflow's own result.
	OutputName string

	// ParallelGroup, when non-empty, must be shared only by steps with
	// an identical DependsOn closure (spec invariant).
	ParallelGroup string

	DependsOn   []string
	TimeoutMS   int
	RetryPolicy RetryPolicy
	Optional    bool
}

// Spec is a validated workflow DAG: {workflow_id, inputs, outputs, steps}.
type Spec struct {
	WorkflowID string
	Inputs     []string
	Outputs    []string
	Steps      []Step
}

// StepOutcome records what happened to a single step during Execute, kept
// for postmortem inspection regardless of whether the workflow as a whole
// succeeded.
type StepOutcome struct {
	StepID   string
	Output   string
	Err      error
	Skipped  bool
	Attempts int
	Started  bool
}

// Report is returned by Execute alongside the final outputs map; it always
// reflects every step that was started or skipped, even on failure.
type Report struct {
	Outcomes map[string]*StepOutcome
}

// Generator is the subset of llm.Router a KindLLMCall step and the planner
// need.
type Generator interface {
	Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error)
}

// Runner is the subset of sandbox.Runner a KindCodeTool step needs.
type Runner interface {
	Run(ctx context.Context, spec sandbox.Spec) (*sandbox.ExecutionMetrics, error)
}

// ToolInvoker is the subset of toolregistry.Registry a KindExistingTool
// step needs.
type ToolInvoker interface {
	Get(id string) (*toolregistry.Tool, error)
	Invoke(ctx context.Context, t *toolregistry.Tool, input string) (*toolregistry.Result, error)
}

// Lookup resolves a sub-workflow id to its Spec, used by KindSubWorkflow
// steps. artifact.Memory-backed implementations store the spec's JSON
// encoding as the Content of a TypeWorkflow/TypeSubWorkflow artifact.
type Lookup interface {
	Lookup(ctx context.Context, workflowID string) (*Spec, error)
}

// DefaultPoolSize is used when Executor is not configured with an explicit
// pool size (spec: "default = CPU count").
var DefaultPoolSize = runtime.NumCPU

// Executor runs validated Specs level-by-level with a bounded worker pool.
type Executor struct {
	generator Generator
	runner    Runner
	tools     ToolInvoker
	workflows Lookup

	poolSize int
}

// Option configures an Executor.
type Option func(*Executor)

func WithGenerator(g Generator) Option     { return func(e *Executor) { e.generator = g } }
func WithRunner(r Runner) Option           { return func(e *Executor) { e.runner = r } }
func WithToolInvoker(t ToolInvoker) Option { return func(e *Executor) { e.tools = t } }
func WithWorkflowLookup(l Lookup) Option   { return func(e *Executor) { e.workflows = l } }

// WithPoolSize overrides the bounded-concurrency pool size. Non-positive
// values are ignored.
func WithPoolSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.poolSize = n
		}
	}
}

// NewExecutor constructs an Executor. Only the dispatch backends a given
// workload's step Kinds actually use need to be configured; dispatching an
// unconfigured Kind returns ErrDispatchNotConfigured.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{poolSize: DefaultPoolSize()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunWorkflow satisfies toolregistry.WorkflowRunner: it looks up a
// registered sub-workflow by id and executes it with a single positional
// "input" value, returning the JSON-ish text of its first declared output
// (or the raw outputs map encoded as text when it declares none).
func (e *Executor) RunWorkflow(ctx context.Context, workflowID string, input string) (string, error) {
	if e.workflows == nil {
		return "", fmt.Errorf("workflow: no workflow lookup configured")
	}
	spec, err := e.workflows.Lookup(ctx, workflowID)
	if err != nil {
		return "", err
	}
	inputs := map[string]string{}
	if len(spec.Inputs) > 0 {
		inputs[spec.Inputs[0]] = input
	}
	outputs, _, err := e.Execute(ctx, spec, inputs)
	if err != nil {
		return "", err
	}
	if len(spec.Outputs) > 0 {
		return outputs[spec.Outputs[0]], nil
	}
	return encodeOutputs(outputs), nil
}

func userMessage(text string) []model.Message {
	return []model.Message{{Role: model.ConversationRoleUser, Text: text}}
}

func llmOptions() llm.Options {
	return llm.Options{}
}
