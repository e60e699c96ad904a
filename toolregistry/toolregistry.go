// Package toolregistry implements the Tool Registry (C3): a catalogue of
// invocable units (LLM specialists, executables, sub-workflows) indexed in
// the Artifact Memory for semantic discovery, with a generic fallback
// guaranteed to always be selectable.
package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeevolver/evolver/artifact"
)

// Kind identifies what a Tool dispatches to.
type Kind string

const (
	KindLLMSpecialist   Kind = "LLM_SPECIALIST"
	KindExecutable      Kind = "EXECUTABLE"
	KindWorkflow        Kind = "WORKFLOW"
	KindGenericFallback Kind = "GENERIC_FALLBACK"
)

// Scope controls how long a runtime instance of a tool is reused.
type Scope string

const (
	ScopeProcess  Scope = "PROCESS"
	ScopeWorkflow Scope = "WORKFLOW"
	ScopeCall     Scope = "CALL"
)

// Invocation describes how a Tool is dispatched, varying by Kind.
type Invocation struct {
	// Role is the llm.Router role used when Kind == KindLLMSpecialist.
	Role string

	// Command and Args template an executable invocation when
	// Kind == KindExecutable.
	Command string
	Args    []string

	// WorkflowID references a workflow spec when Kind == KindWorkflow.
	WorkflowID string
}

// Constraints bounds a tool's resource usage.
type Constraints struct {
	MaxMemoryMB int
	MaxTimeMS   int
	CostTier    string
}

// Tool is a registry record describing an invocable unit.
type Tool struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	Kind        Kind
	Invocation  Invocation
	Constraints Constraints
	Scope       Scope

	UsageCount   int
	FailureCount int
	QualityScore float64
	Deprecated   bool
}

// Result is the outcome of Invoke: either structured execution metrics (for
// an executable) or free text (for an LLM specialist/workflow), never both.
type Result struct {
	Text    string
	Metrics *ExecutionMetrics
}

// ExecutionMetrics mirrors the C4 Sandbox Runner's metrics so the registry
// does not need to import the sandbox package just for this shape.
type ExecutionMetrics struct {
	LatencyMS    int64
	CPUTimeMS    int64
	MemoryMBPeak int
	ExitCode     int
	Success      bool
	Stdout       string
	Stderr       string
}

// LLMGenerator is the role+prompt call the registry needs to dispatch an
// LLM_SPECIALIST tool. llm.Router takes a message list instead, so
// cmd/evolver wires it in through an adapter.
type LLMGenerator interface {
	Generate(ctx context.Context, role string, prompt string) (string, error)
}

// ExecutableRunner is the command-running call the registry needs to
// dispatch an EXECUTABLE tool. sandbox.Runner exposes Run(ctx, Spec)
// instead, so cmd/evolver wires it in through an adapter.
type ExecutableRunner interface {
	RunCommand(ctx context.Context, command string, args []string, input string, timeout time.Duration) (*ExecutionMetrics, error)
}

// WorkflowRunner is the subset of workflow.Executor the registry needs to
// dispatch a WORKFLOW tool.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, input string) (string, error)
}

// GenericFallbackID is the stable id of the always-present generic fallback
// tool, guaranteed to exist by NewRegistry.
const GenericFallbackID = "generic-fallback"

// genericFallbackQualityFloor is the quality score floor enforced on the
// generic fallback so a single bad run never drops it below selectability
// (spec: "floor-capped so a single bad run does not remove it from
// availability").
const genericFallbackQualityFloor = 0.5

// DefaultSelectMinSimilarity is applied to Select when callers leave
// minSimilarity at its zero value.
const DefaultSelectMinSimilarity = 0.6

// DefaultFailureThreshold and DefaultQualityDeprecationFloor gate automatic
// deprecation: a tool whose FailureCount crosses the threshold while its
// QualityScore sits below the floor is marked deprecated.
const (
	DefaultFailureThreshold        = 5
	DefaultQualityDeprecationFloor = 0.3
)

// Registry implements Tool Registry (C3) operations against an
// artifact.Memory used as the semantic index (type=TOOL).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	mem   artifact.Memory

	llm       LLMGenerator
	executor  ExecutableRunner
	workflows WorkflowRunner

	failureThreshold        int
	qualityDeprecationFloor float64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLLMGenerator wires the LLM specialist dispatch path.
func WithLLMGenerator(g LLMGenerator) Option {
	return func(r *Registry) { r.llm = g }
}

// WithExecutableRunner wires the executable dispatch path.
func WithExecutableRunner(e ExecutableRunner) Option {
	return func(r *Registry) { r.executor = e }
}

// WithWorkflowRunner wires the sub-workflow dispatch path.
func WithWorkflowRunner(w WorkflowRunner) Option {
	return func(r *Registry) { r.workflows = w }
}

// WithDeprecationPolicy overrides the failure-count/quality thresholds used
// to auto-deprecate a tool.
func WithDeprecationPolicy(failureThreshold int, qualityFloor float64) Option {
	return func(r *Registry) {
		r.failureThreshold = failureThreshold
		r.qualityDeprecationFloor = qualityFloor
	}
}

// NewRegistry constructs a Registry and seeds the guaranteed generic
// fallback tool.
func NewRegistry(mem artifact.Memory, opts ...Option) *Registry {
	r := &Registry{
		tools:                   make(map[string]*Tool),
		mem:                     mem,
		failureThreshold:        DefaultFailureThreshold,
		qualityDeprecationFloor: DefaultQualityDeprecationFloor,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tools[GenericFallbackID] = &Tool{
		ID:           GenericFallbackID,
		Name:         "generic",
		Description:  "Generic fallback tool used when no specialist tool meets the selection threshold.",
		Kind:         KindGenericFallback,
		Scope:        ScopeProcess,
		QualityScore: genericFallbackQualityFloor,
		Invocation:   Invocation{Role: "general"},
	}
	return r
}

// ErrNotFound is returned by Get for an unknown tool id.
var ErrNotFound = errors.New("toolregistry: tool not found")

// ErrMultipleGenericFallbacks guards the spec invariant that exactly one
// tool may carry KindGenericFallback.
var ErrMultipleGenericFallbacks = errors.New("toolregistry: a generic fallback tool is already registered")

// ErrDispatchNotConfigured is returned by Invoke when the Tool's Kind has no
// corresponding runner wired via the With*Runner options.
var ErrDispatchNotConfigured = errors.New("toolregistry: no runner configured for tool kind")

// Register stores a tool and indexes its description into the Artifact
// Memory as a TOOL artifact so Select can find it semantically.
func (r *Registry) Register(ctx context.Context, t *Tool) error {
	if t.Kind == KindGenericFallback {
		return ErrMultipleGenericFallbacks
	}
	if t.ID == "" {
		return errors.New("toolregistry: tool id is required")
	}

	r.mu.Lock()
	r.tools[t.ID] = t
	r.mu.Unlock()

	a := &artifact.Artifact{
		ID:          t.ID,
		Type:        artifact.TypeTool,
		Name:        t.Name,
		Description: t.Description,
		Tags:        t.Tags,
		Metadata:    map[string]string{"kind": string(t.Kind)},
	}
	if err := r.mem.Put(ctx, a); err != nil && !errors.Is(err, artifact.ErrEmbeddingUnavailable) {
		return fmt.Errorf("toolregistry: indexing tool %q: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a tool by id.
func (r *Registry) Get(id string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns tools optionally filtered by kind.
func (r *Registry) List(kind Kind) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if kind != "" && t.Kind != kind {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Select performs a semantic search via the Artifact Memory among TOOL
// artifacts and picks the highest-similarity non-deprecated tool of kind
// LLM_SPECIALIST/EXECUTABLE/WORKFLOW whose similarity meets minSimilarity.
// If no candidate qualifies, the generic fallback is returned — Select
// never returns nothing.
func (r *Registry) Select(ctx context.Context, taskText string, minSimilarity float64) (*Tool, error) {
	if minSimilarity == 0 {
		minSimilarity = DefaultSelectMinSimilarity
	}

	results, err := r.mem.Search(ctx, artifact.SearchQuery{
		Text:          taskText,
		Type:          artifact.TypeTool,
		K:             10,
		MinSimilarity: minSimilarity,
	})
	if err != nil {
		return r.genericFallback(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Tool
	var bestSim float64
	for _, res := range results {
		t, ok := r.tools[res.Artifact.ID]
		if !ok || t.Deprecated {
			continue
		}
		if t.Kind != KindLLMSpecialist && t.Kind != KindExecutable && t.Kind != KindWorkflow {
			continue
		}
		if res.Similarity < minSimilarity {
			continue
		}
		if best == nil || res.Similarity > bestSim {
			best, bestSim = t, res.Similarity
		}
	}
	if best == nil {
		return r.genericFallback(), nil
	}
	return best, nil
}

func (r *Registry) genericFallback() *Tool {
	return r.tools[GenericFallbackID]
}

// Invoke dispatches to the backend matching the tool's Kind, then records
// usage/failure bookkeeping and applies the deprecation policy.
func (r *Registry) Invoke(ctx context.Context, t *Tool, input string) (*Result, error) {
	result, err := r.dispatch(ctx, t, input)

	r.mu.Lock()
	if live, ok := r.tools[t.ID]; ok {
		live.UsageCount++
		if err != nil {
			live.FailureCount++
			if live.FailureCount >= r.failureThreshold && live.QualityScore < r.qualityDeprecationFloor && live.Kind != KindGenericFallback {
				live.Deprecated = true
			}
		}
	}
	r.mu.Unlock()

	return result, err
}

func (r *Registry) dispatch(ctx context.Context, t *Tool, input string) (*Result, error) {
	switch t.Kind {
	case KindLLMSpecialist, KindGenericFallback:
		if r.llm == nil {
			return nil, ErrDispatchNotConfigured
		}
		text, err := r.llm.Generate(ctx, t.Invocation.Role, input)
		if err != nil {
			return nil, err
		}
		return &Result{Text: text}, nil

	case KindExecutable:
		if r.executor == nil {
			return nil, ErrDispatchNotConfigured
		}
		timeout := time.Duration(t.Constraints.MaxTimeMS) * time.Millisecond
		metrics, err := r.executor.RunCommand(ctx, t.Invocation.Command, t.Invocation.Args, input, timeout)
		if err != nil {
			return nil, err
		}
		return &Result{Metrics: metrics}, nil

	case KindWorkflow:
		if r.workflows == nil {
			return nil, ErrDispatchNotConfigured
		}
		text, err := r.workflows.RunWorkflow(ctx, t.Invocation.WorkflowID, input)
		if err != nil {
			return nil, err
		}
		return &Result{Text: text}, nil

	default:
		return nil, fmt.Errorf("toolregistry: unknown tool kind %q", t.Kind)
	}
}
