package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/llmjson"
	"github.com/codeevolver/evolver/model"
)

// rawSpec/rawStep mirror the JSON contract the overseer role is prompted to
// return (spec.md §3 WorkflowSpec). They exist separately from Spec/Step so
// decoding can use llmjson.Strict (DisallowUnknownFields) against exactly
// the wire shape, then be converted into the richer typed Spec.
type rawStep struct {
	StepID        string            `json:"step_id"`
	Kind          string            `json:"kind"`
	ToolRef       string            `json:"tool_ref"`
	InputMapping  map[string]string `json:"input_mapping"`
	OutputName    string            `json:"output_name"`
	ParallelGroup string            `json:"parallel_group"`
	DependsOn     []string          `json:"depends_on"`
	TimeoutMS     int               `json:"timeout_ms"`
	Optional      bool              `json:"optional"`
	RetryPolicy   struct {
		MaxRetries int `json:"max_retries"`
	} `json:"retry_policy"`
}

type rawSpec struct {
	WorkflowID string    `json:"workflow_id"`
	Inputs     []string  `json:"inputs"`
	Outputs    []string  `json:"outputs"`
	Steps      []rawStep `json:"steps"`
}

// plannerSystemPrompt instructs the overseer role to decompose a task into
// the WorkflowSpec JSON contract, tolerating (but not requiring) a fenced
// code block around the object.
const plannerSystemPrompt = `You are the planning overseer for an autonomous code-generation system.
Decompose the task into a directed acyclic graph of steps. Respond with a
single JSON object (optionally fenced in a ` + "```json" + ` block) matching exactly:
{"workflow_id": string, "inputs": [string], "outputs": [string], "steps": [
  {"step_id": string, "kind": "LLM_CALL"|"CODE_TOOL"|"SUB_WORKFLOW"|"EXISTING_TOOL",
   "tool_ref": string, "input_mapping": {string: string}, "output_name": string,
   "parallel_group": string, "depends_on": [string], "timeout_ms": int,
   "optional": bool, "retry_policy": {"max_retries": int}}
]}
A single-step plan is a legal decomposition when the task does not benefit
from splitting. Every step_id must be unique. depends_on must form a DAG.`

// Planner asks the overseer role for a decomposition and validates it.
type Planner struct {
	generator Generator
	role      string
}

// NewPlanner constructs a Planner. role defaults to "overseer" when empty.
func NewPlanner(generator Generator, role string) *Planner {
	if role == "" {
		role = "overseer"
	}
	return &Planner{generator: generator, role: role}
}

// Plan asks the overseer for a decomposition of taskText and validates the
// result before returning it. A first-pass failure (unparsable JSON, schema
// violation, or an invalid DAG) is not fatal: spec.md §7's
// WorkflowPlanInvalid retries planning once with a stricter prompt quoting
// the failure, before giving up with a diagnostic.
func (p *Planner) Plan(ctx context.Context, taskText string) (*Spec, error) {
	spec, err := p.attemptPlan(ctx, taskText, "")
	if err == nil {
		return spec, nil
	}
	spec, retryErr := p.attemptPlan(ctx, taskText, err.Error())
	if retryErr != nil {
		return nil, fmt.Errorf("workflow: planner failed after retry (first attempt: %v): %w", err, retryErr)
	}
	return spec, nil
}

// attemptPlan runs a single generate-then-validate pass. When priorErr is
// non-empty, it is appended to the user message so the retried prompt is
// stricter about the specific failure observed on the prior attempt.
func (p *Planner) attemptPlan(ctx context.Context, taskText, priorErr string) (*Spec, error) {
	userText := taskText
	if priorErr != "" {
		userText = fmt.Sprintf("%s\n\nYour previous response was rejected: %s\nRespond again with ONLY the corrected JSON object, strictly matching the schema.", taskText, priorErr)
	}
	messages := []model.Message{
		{Role: model.ConversationRoleUser, Text: userText},
	}
	temp := 0.2
	text, err := p.generator.Generate(ctx, p.role, messages, llm.Options{
		SystemPrompt: plannerSystemPrompt,
		Temperature:  &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: planner generate: %w", err)
	}

	extracted := llmjson.Extract(text)
	var doc any
	if err := json.Unmarshal([]byte(extracted), &doc); err != nil {
		return nil, fmt.Errorf("workflow: planner response is not valid JSON: %w", err)
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, err
	}

	var raw rawSpec
	if err := llmjson.Strict(text, &raw); err != nil {
		return nil, fmt.Errorf("workflow: planner response: %w", err)
	}
	spec := fromRaw(raw)
	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("workflow: planner produced invalid spec: %w", err)
	}
	return spec, nil
}

func fromRaw(raw rawSpec) *Spec {
	steps := make([]Step, 0, len(raw.Steps))
	for _, rs := range raw.Steps {
		steps = append(steps, Step{
			ID:            rs.StepID,
			Kind:          Kind(rs.Kind),
			ToolRef:       rs.ToolRef,
			InputMapping:  rs.InputMapping,
			OutputName:    rs.OutputName,
			ParallelGroup: rs.ParallelGroup,
			DependsOn:     rs.DependsOn,
			TimeoutMS:     rs.TimeoutMS,
			Optional:      rs.Optional,
			RetryPolicy:   RetryPolicy{MaxRetries: rs.RetryPolicy.MaxRetries},
		})
	}
	return &Spec{
		WorkflowID: raw.WorkflowID,
		Inputs:     raw.Inputs,
		Outputs:    raw.Outputs,
		Steps:      steps,
	}
}

// Validate checks the DAG, parallel-group, and output-reference invariants
// spec.md §4.7 requires of any WorkflowSpec, whether it came from the
// planner or was hand-authored.
func Validate(spec *Spec) error {
	if spec == nil {
		return fmt.Errorf("workflow: nil spec")
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("workflow: spec has no steps")
	}

	byID := make(map[string]Step, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow: step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("workflow: duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range spec.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	if _, err := levels(spec); err != nil {
		return err
	}

	closures := make(map[string]map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		closures[s.ID] = dependsClosure(byID, s.ID)
	}

	groups := make(map[string]map[string]bool)
	for _, s := range spec.Steps {
		if s.ParallelGroup == "" {
			continue
		}
		want := closures[s.ID]
		if existing, ok := groups[s.ParallelGroup]; ok {
			if !sameSet(existing, want) {
				return fmt.Errorf("workflow: parallel_group %q shared by steps with differing depends_on closures", s.ParallelGroup)
			}
		} else {
			groups[s.ParallelGroup] = want
		}
	}

	names := make(map[string]bool, len(spec.Inputs))
	for _, in := range spec.Inputs {
		names[in] = true
	}
	producedBy := make(map[string]string, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.OutputName != "" {
			producedBy[s.OutputName] = s.ID
		}
	}
	for _, s := range spec.Steps {
		closure := closures[s.ID]
		for param, source := range s.InputMapping {
			if names[source] {
				continue
			}
			producer, ok := producedBy[source]
			if !ok {
				return fmt.Errorf("workflow: step %q input %q references unknown source %q", s.ID, param, source)
			}
			if producer != s.ID && !closure[producer] {
				return fmt.Errorf("workflow: step %q input %q references output %q produced by %q outside its depends_on closure", s.ID, param, source, producer)
			}
		}
	}
	for _, out := range spec.Outputs {
		if names[out] {
			continue
		}
		if _, ok := producedBy[out]; !ok {
			return fmt.Errorf("workflow: declared output %q is not produced by any step or input", out)
		}
	}

	return nil
}

// levels computes topological layering: level[i] contains every step whose
// dependencies are all satisfied by steps in levels < i. Returns an error
// if the depends_on graph is not a DAG.
func levels(spec *Spec) ([][]Step, error) {
	remaining := make(map[string]Step, len(spec.Steps))
	for _, s := range spec.Steps {
		remaining[s.ID] = s
	}
	done := make(map[string]bool, len(spec.Steps))
	var result [][]Step

	for len(remaining) > 0 {
		var ready []Step
		for id, s := range remaining {
			satisfied := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, remaining[id])
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("workflow: depends_on graph contains a cycle")
		}
		for _, s := range ready {
			delete(remaining, s.ID)
			done[s.ID] = true
		}
		result = append(result, ready)
	}
	return result, nil
}

func dependsClosure(byID map[string]Step, id string) map[string]bool {
	closure := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		for _, dep := range byID[cur].DependsOn {
			if !closure[dep] {
				closure[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)
	return closure
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
