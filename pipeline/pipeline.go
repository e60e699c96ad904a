// Package pipeline implements the Generation Pipeline (C8): the single
// handle(task_text) entry point that ties the Overseer/Generator routing
// (C1), Artifact Memory (C2), Tool Registry (C3), Sandbox Runner (C4),
// Evaluator (C5), Escalator (C6), and Workflow Planner/Executor (C7) into
// one end-to-end call, the way example/complete/runtime_harness.go composes
// the teacher's runtime/engine/registry/stream pieces into one
// RuntimeHarness with a single Run method.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/escalate"
	"github.com/codeevolver/evolver/eval"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/llmjson"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/node"
	"github.com/codeevolver/evolver/sandbox"
	"github.com/codeevolver/evolver/telemetry"
	"github.com/codeevolver/evolver/toolregistry"
	"github.com/codeevolver/evolver/workflow"
)

// Generator is the subset of llm.Router's contract the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error)
}

// Runner is the subset of sandbox.Runner's contract the pipeline needs.
type Runner interface {
	Run(ctx context.Context, spec sandbox.Spec) (*sandbox.ExecutionMetrics, error)
}

// Evaluator is the subset of eval.Evaluator's contract the pipeline needs.
type Evaluator interface {
	Evaluate(ctx context.Context, kind eval.Kind, rubric eval.RubricKind, targetArtifactID, content string, metrics *sandbox.ExecutionMetrics) (*eval.Evaluation, error)
	Triage(ctx context.Context, metrics *sandbox.ExecutionMetrics, stdout string) (eval.TriageVerdict, error)
}

// Escalator is the subset of escalate.Escalator's contract the pipeline
// needs.
type Escalator interface {
	Run(ctx context.Context, req escalate.Request) (*escalate.Result, error)
}

// ToolSelector is the subset of toolregistry.Registry's contract the
// pipeline needs to pick the tool for a task.
type ToolSelector interface {
	Select(ctx context.Context, taskText string, minSimilarity float64) (*toolregistry.Tool, error)
}

// Planner is the subset of workflow.Planner's contract the pipeline needs to
// decompose a strategy into a DAG.
type Planner interface {
	Plan(ctx context.Context, taskText string) (*workflow.Spec, error)
}

// Attempt is one row of the trajectory returned in Result: either the
// single-shot initial generation or one of the Escalator's repair rows,
// flattened into a pipeline-level view so callers don't need to know
// whether escalation happened.
type Attempt struct {
	Stage         string
	Code          string
	Pass          bool
	Score         float64
	Detail        string
	ParseFallback bool
}

// Result is returned by Handle once a task has either produced a passing
// artifact or exhausted every repair attempt.
type Result struct {
	NodeID               string
	FinalCode            string
	FinalScore           float64
	Pass                 bool
	ToolUsed             string
	GenericFallbackUsed  bool
	ParseFallback        bool
	Attempts             []Attempt
	PlanArtifactID       string
	FinalArtifactID      string
	WorkflowID           string
	DebugLoggingRetained bool
}

// Config bundles the per-call knobs the pipeline cannot infer from the task
// text alone: how a generated node is actually executed, and which roles
// back the strategy/generation/escalation stages.
type Config struct {
	// Command/Args/Input describe how a freshly generated node is run in
	// the sandbox, e.g. Command: "go", Args: []string{"run", "."}.
	Command string
	Args    []string
	Input   string
	Timeout time.Duration

	OverseerRole      string
	GeneratorRole     string
	StrongestRole     string
	MinToolSimilarity float64

	// EnableWorkflow allows a strategy that calls for multiple steps to be
	// handed to the Workflow Planner/Executor. When false (or Planner is
	// nil) Handle always takes the single-shot path.
	EnableWorkflow bool
}

// DefaultConfig returns the configuration NewPipeline falls back to for zero
// fields left unset by the caller; Input and EnableWorkflow are not filled
// from it.
func DefaultConfig() Config {
	return Config{
		Command:           "go",
		Args:              []string{"run", "."},
		Timeout:           30 * time.Second,
		OverseerRole:      "overseer",
		GeneratorRole:     "generator",
		StrongestRole:     "escalation",
		MinToolSimilarity: toolregistry.DefaultSelectMinSimilarity,
		EnableWorkflow:    true,
	}
}

// Pipeline composes every Code Evolver component into the single
// handle(task_text) call spec.md §4.8 describes.
type Pipeline struct {
	tools        ToolSelector
	generator    Generator
	planner      Planner
	toolInvoker  workflow.ToolInvoker
	workflowLkup workflow.Lookup
	poolSize     int
	runner       Runner
	evaluator    Evaluator
	escalator    Escalator
	nodes        *node.Store
	mem          artifact.Memory
	cfg          Config
	logger       telemetry.Logger
}

// Option configures optional Pipeline dependencies.
type Option func(*Pipeline)

// WithWorkflow wires the Workflow Planner (C7) used to decompose a
// multi-step strategy into a DAG. Without it, Handle always takes the
// single-shot generation path regardless of Config.EnableWorkflow.
func WithWorkflow(planner Planner) Option {
	return func(p *Pipeline) { p.planner = planner }
}

// WithWorkflowToolInvoker and WithWorkflowLookup wire the same dispatch
// backends a workflow.Executor accepts, used when Handle builds an executor
// internally to run a decomposed plan's EXISTING_TOOL and SUB_WORKFLOW
// steps.
func WithWorkflowToolInvoker(t workflow.ToolInvoker) Option {
	return func(p *Pipeline) { p.toolInvoker = t }
}

func WithWorkflowLookup(l workflow.Lookup) Option {
	return func(p *Pipeline) { p.workflowLkup = l }
}

// WithPoolSize bounds the concurrency of any workflow the pipeline decomposes
// a task into. Non-positive values leave workflow.Executor's own default.
func WithPoolSize(n int) Option {
	return func(p *Pipeline) { p.poolSize = n }
}

// WithLogger wires structured logging; defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline constructs a Pipeline from its required dependencies (C1, C2,
// C3, C4, C5, C6) plus any Options for the optional ones (C7, logging).
func NewPipeline(tools ToolSelector, generator Generator, runner Runner, evaluator Evaluator, escalator Escalator, nodes *node.Store, mem artifact.Memory, cfg Config, opts ...Option) *Pipeline {
	cfg = mergeDefaults(cfg)
	p := &Pipeline{
		tools:     tools,
		generator: generator,
		runner:    runner,
		evaluator: evaluator,
		escalator: escalator,
		nodes:     nodes,
		mem:       mem,
		cfg:       cfg,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = d.Command
	}
	if cfg.Args == nil {
		cfg.Args = d.Args
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.OverseerRole == "" {
		cfg.OverseerRole = d.OverseerRole
	}
	if cfg.GeneratorRole == "" {
		cfg.GeneratorRole = d.GeneratorRole
	}
	if cfg.StrongestRole == "" {
		cfg.StrongestRole = d.StrongestRole
	}
	if cfg.MinToolSimilarity == 0 {
		cfg.MinToolSimilarity = d.MinToolSimilarity
	}
	return cfg
}

// strategyResponse is the strict JSON envelope requested from the overseer
// at step 2 of spec.md §4.8: a free-text strategy plus a flag telling Handle
// whether the task is worth decomposing into a workflow.
type strategyResponse struct {
	Strategy   string `json:"strategy"`
	MultiStep  bool   `json:"multi_step"`
	WorkflowID string `json:"workflow_id"`
}

const strategySystemPrompt = `You are the strategy overseer for an autonomous code-generation system.
Given a task and the tool selected to handle it, decide on an approach.
Respond with a single JSON object (optionally fenced in a ` + "```json" + ` block):
{"strategy": string, "multi_step": bool, "workflow_id": string}
Set multi_step true only when the task genuinely benefits from being split
into a DAG of sub-steps; workflow_id is an identifier you choose for that
DAG and is ignored when multi_step is false.`

// codegenResponse is the strict JSON envelope requested from the generator
// at step 4 of spec.md §4.8.
type codegenResponse struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Handle runs a task through the full Generation Pipeline: tool selection,
// strategy, optional workflow decomposition, generation, execution,
// evaluation, and — on failure — escalation.
func (p *Pipeline) Handle(ctx context.Context, taskText string) (*Result, error) {
	tool, err := p.tools.Select(ctx, taskText, p.cfg.MinToolSimilarity)
	if err != nil {
		return nil, fmt.Errorf("pipeline: select tool: %w", err)
	}
	result := &Result{
		ToolUsed:            tool.ID,
		GenericFallbackUsed: tool.Kind == toolregistry.KindGenericFallback,
	}
	p.logger.Info(ctx, "pipeline.Handle: tool selected", "tool_id", tool.ID, "fallback", result.GenericFallbackUsed)

	strategy, multiStep, workflowID, planArtifactID, err := p.strategize(ctx, taskText, tool)
	if err != nil {
		return nil, err
	}
	result.PlanArtifactID = planArtifactID
	result.WorkflowID = workflowID

	if multiStep && p.cfg.EnableWorkflow && p.planner != nil {
		return p.handleWorkflow(ctx, taskText, strategy, workflowID, result)
	}

	generatorRole := p.cfg.GeneratorRole
	if tool.Kind == toolregistry.KindLLMSpecialist && tool.Invocation.Role != "" {
		generatorRole = tool.Invocation.Role
	}
	attempts, final, nodeID, err := p.runCodegen(ctx, generatorRole, taskText, strategy)
	result.Attempts = append(result.Attempts, attempts...)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, result, nodeID, final)
}

// strategize performs step 2 of spec.md §4.8: ask the overseer for a
// strategy and persist it as a PLAN artifact.
func (p *Pipeline) strategize(ctx context.Context, taskText string, tool *toolregistry.Tool) (strategy string, multiStep bool, workflowID string, artifactID string, err error) {
	prompt := fmt.Sprintf("Task: %s\n\nSelected tool: %s (%s)\n%s", taskText, tool.Name, tool.Kind, tool.Description)
	messages := []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}
	temp := 0.3
	text, genErr := p.generator.Generate(ctx, p.cfg.OverseerRole, messages, llm.Options{
		SystemPrompt: strategySystemPrompt,
		Temperature:  &temp,
	})
	if genErr != nil {
		return "", false, "", "", fmt.Errorf("pipeline: strategy generate: %w", genErr)
	}

	var raw strategyResponse
	if err := llmjson.Strict(text, &raw); err != nil {
		// A model that ignores the JSON contract still gave us a usable
		// strategy; fall back to single-step with the raw text as strategy.
		raw = strategyResponse{Strategy: text}
	}
	if raw.WorkflowID == "" {
		raw.WorkflowID = uuid.NewString()
	}

	id := uuid.NewString()
	if err := p.mem.Put(ctx, &artifact.Artifact{
		ID:      id,
		Type:    artifact.TypePlan,
		Name:    "strategy",
		Content: raw.Strategy,
		Tags:    []string{tool.ID},
	}); err != nil {
		p.logger.Warn(ctx, "pipeline.strategize: persist plan artifact failed", "err", err)
	}

	return raw.Strategy, raw.MultiStep, raw.WorkflowID, id, nil
}

// handleWorkflow performs step 3 of spec.md §4.8: plan a DAG, then execute
// it, dispatching every LLM_CALL leaf step through the full generation
// sub-pipeline (steps 4-7) via codegenAdapter rather than a bare LLM call.
func (p *Pipeline) handleWorkflow(ctx context.Context, taskText, strategy, workflowID string, result *Result) (*Result, error) {
	spec, err := p.planner.Plan(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("pipeline: workflow plan: %w", err)
	}
	if spec.WorkflowID == "" {
		spec.WorkflowID = workflowID
	}
	result.WorkflowID = spec.WorkflowID

	adapter := &codegenAdapter{p: p, result: result}
	inputs := map[string]string{}
	if len(spec.Inputs) > 0 {
		inputs[spec.Inputs[0]] = taskText
	}

	outputs, report, err := p.runWorkflowWithAdapter(ctx, spec, inputs, adapter)
	if err != nil {
		return nil, fmt.Errorf("pipeline: workflow execute: %w", err)
	}

	final := adapter.lastOutput
	if len(spec.Outputs) > 0 {
		if v, ok := outputs[spec.Outputs[0]]; ok {
			final = v
		}
	}
	result.Pass = report != nil && reportPassed(report)
	return p.finish(ctx, result, adapter.lastNodeID, final)
}

// runWorkflowWithAdapter builds a fresh workflow.Executor scoped to this
// Handle call, wired with codegenAdapter as its Generator so every LLM_CALL
// leaf step is routed through the full generate/run/evaluate/escalate loop.
func (p *Pipeline) runWorkflowWithAdapter(ctx context.Context, spec *workflow.Spec, inputs map[string]string, adapter *codegenAdapter) (map[string]string, *workflow.Report, error) {
	opts := []workflow.Option{
		workflow.WithGenerator(adapter),
		workflow.WithRunner(p.runner),
	}
	if p.toolInvoker != nil {
		opts = append(opts, workflow.WithToolInvoker(p.toolInvoker))
	}
	if p.workflowLkup != nil {
		opts = append(opts, workflow.WithWorkflowLookup(p.workflowLkup))
	}
	if p.poolSize > 0 {
		opts = append(opts, workflow.WithPoolSize(p.poolSize))
	}
	exec := workflow.NewExecutor(opts...)
	return exec.Execute(ctx, spec, inputs)
}

func reportPassed(report *workflow.Report) bool {
	for _, outcome := range report.Outcomes {
		if outcome.Err != nil && !outcome.Skipped {
			return false
		}
	}
	return true
}

// codegenAdapter implements workflow.Generator by routing every LLM_CALL
// step through the pipeline's own generate/run/evaluate/escalate loop
// instead of a bare text completion, so a decomposed plan's leaf steps get
// the same repair guarantees a single-shot task does.
type codegenAdapter struct {
	p          *Pipeline
	result     *Result
	lastOutput string
	lastNodeID string
}

func (a *codegenAdapter) Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error) {
	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Text)
		prompt.WriteString("\n")
	}
	attempts, final, nodeID, err := a.p.runCodegen(ctx, role, strings.TrimSpace(prompt.String()), "")
	a.result.Attempts = append(a.result.Attempts, attempts...)
	if err != nil {
		return "", err
	}
	a.lastOutput = final
	a.lastNodeID = nodeID
	return final, nil
}

// evaluateWithTriage applies spec.md §4.5's two-tier policy: the cheap
// deterministic Triage gates the expensive LLM-rubric Evaluate, which only
// runs once triage comes back UNCERTAIN.
func (p *Pipeline) evaluateWithTriage(ctx context.Context, kind eval.Kind, rubric eval.RubricKind, targetArtifactID, content string, metrics *sandbox.ExecutionMetrics) (*eval.Evaluation, error) {
	stdout := content
	if metrics != nil {
		stdout = metrics.Stdout
	}
	verdict, err := p.evaluator.Triage(ctx, metrics, stdout)
	if err == nil && verdict != eval.TriageUncertain {
		return &eval.Evaluation{Pass: verdict == eval.TriagePass}, nil
	}
	return p.evaluator.Evaluate(ctx, kind, rubric, targetArtifactID, content, metrics)
}

// runCodegen is the shared steps 4-7 of spec.md §4.8: ask the model for
// {code, description, tags}, save the result as a node, run it in the
// sandbox, evaluate it, and escalate on failure.
func (p *Pipeline) runCodegen(ctx context.Context, role, taskText, strategy string) ([]Attempt, string, string, error) {
	prompt := taskText
	if strategy != "" {
		prompt = fmt.Sprintf("Task: %s\n\nStrategy: %s", taskText, strategy)
	}
	messages := []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}
	text, err := p.generator.Generate(ctx, role, messages, llm.Options{})
	if err != nil {
		return nil, "", "", fmt.Errorf("pipeline: generate code: %w", err)
	}

	var parsed codegenResponse
	parseFallback := false
	if err := llmjson.Strict(text, &parsed); err != nil {
		parsed = codegenResponse{Code: text}
		parseFallback = true
	}
	code := stripCodeFences(parsed.Code)

	nodeID := uuid.NewString()
	n := &node.Node{ID: nodeID, Entrypoint: p.cfg.Command}
	if err := p.nodes.Save(n, code, ""); err != nil {
		return nil, "", "", fmt.Errorf("pipeline: save node: %w", err)
	}

	metrics, runErr := p.runner.Run(ctx, sandbox.Spec{
		Command: p.cfg.Command,
		Args:    p.cfg.Args,
		Input:   p.cfg.Input,
		Timeout: p.cfg.Timeout,
	})
	if runErr == nil {
		_ = p.nodes.RecordExecution(nodeID, metrics)
	}

	evaluation, evalErr := p.evaluateWithTriage(ctx, eval.KindCode, eval.RubricCode, nodeID, code, metrics)
	if evalErr != nil {
		return nil, "", "", fmt.Errorf("pipeline: evaluate: %w", evalErr)
	}

	attempt := Attempt{Stage: "initial", Code: code, Pass: evaluation.Pass, Score: evaluation.Score, ParseFallback: parseFallback}
	attempts := []Attempt{attempt}

	if evaluation.Pass {
		return attempts, code, nodeID, nil
	}

	digest := ""
	if metrics != nil {
		digest = metrics.Stdout + "\n" + metrics.Stderr
	}
	escResult, escErr := p.escalator.Run(ctx, escalate.Request{
		NodeID:        nodeID,
		Task:          taskText,
		Strategy:      strategy,
		Code:          code,
		ErrorDigest:   digest,
		Command:       p.cfg.Command,
		Args:          p.cfg.Args,
		Input:         p.cfg.Input,
		Timeout:       p.cfg.Timeout,
		Kind:          eval.KindCode,
		Rubric:        eval.RubricCode,
		StrongestRole: p.cfg.StrongestRole,
	})
	if escErr != nil {
		return attempts, "", nodeID, fmt.Errorf("pipeline: escalate: %w", escErr)
	}
	for _, a := range escResult.Attempts {
		attempts = append(attempts, Attempt{
			Stage:  string(a.Stage),
			Code:   a.CodeExcerpt,
			Pass:   a.Outcome == escalate.OutcomePass,
			Score:  a.Score,
			Detail: a.Analysis,
		})
	}

	finalNodeID := escResult.FinalNodeID
	if finalNodeID == "" {
		finalNodeID = nodeID
	}
	// An exhausted escalation is not a pipeline-level error: finish still
	// persists a FAILURE artifact and reports it to the caller as the
	// returned error, but only after the usual bookkeeping runs.
	return attempts, escResult.FinalCode, finalNodeID, nil
}

// finish performs step 7/8 of spec.md §4.8: persist the final artifact on
// success and update the tool's quality signal, or record a failure.
func (p *Pipeline) finish(ctx context.Context, result *Result, nodeID, finalCode string) (*Result, error) {
	result.FinalCode = finalCode
	result.NodeID = nodeID
	if len(result.Attempts) > 0 {
		last := result.Attempts[len(result.Attempts)-1]
		result.FinalScore = last.Score
		result.Pass = last.Pass || result.Pass
	}
	for _, a := range result.Attempts {
		if a.ParseFallback {
			result.ParseFallback = true
			break
		}
	}

	artifactType := artifact.TypeFunction
	if !result.Pass {
		artifactType = artifact.TypeFailure
	}
	finalID := uuid.NewString()
	if err := p.mem.Put(ctx, &artifact.Artifact{
		ID:      finalID,
		Type:    artifactType,
		Content: finalCode,
		Tags:    []string{result.ToolUsed},
	}); err != nil {
		p.logger.Warn(ctx, "pipeline.finish: persist final artifact failed", "err", err)
	}
	result.FinalArtifactID = finalID

	if err := p.mem.UpdateQuality(ctx, result.ToolUsed, result.FinalScore, result.Pass); err != nil {
		p.logger.Warn(ctx, "pipeline.finish: update tool quality failed", "err", err)
	}

	if !result.Pass {
		return result, fmt.Errorf("pipeline: task did not converge to a passing artifact")
	}
	return result, nil
}

// stripCodeFences removes a markdown fence wrapping a code field's own
// value, distinct from llmjson.Extract's outer unwrap of the whole response.
func stripCodeFences(code string) string {
	return llmjson.Extract(code)
}
