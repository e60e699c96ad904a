package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeevolver/evolver/sandbox"
)

// ErrDispatchNotConfigured is returned when a step's Kind requires a
// backend the Executor was not constructed with.
var ErrDispatchNotConfigured = errors.New("workflow: dispatch backend not configured for step kind")

// Execute runs spec to completion: it computes topological levels, then
// within each level dispatches every step concurrently over a pool bounded
// by the Executor's pool size (runtime/agent/engine/inmem/engine.go's
// one-goroutine-per-activity-with-channel-result pattern, generalized to a
// semaphore since level width is unbounded but concurrency is not).
//
// A required step's final failure prevents any not-yet-started level from
// running; steps already dispatched in the current level are allowed to
// finish, and every outcome — success, failure, or skip — is recorded in
// the returned Report for postmortem. Execute itself only returns an error
// when spec fails validation or a required step fails; outputs and report
// are still populated in the latter case.
func (e *Executor) Execute(ctx context.Context, spec *Spec, inputs map[string]string) (map[string]string, *Report, error) {
	if err := Validate(spec); err != nil {
		return nil, nil, err
	}
	stepLevels, err := levels(spec)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string]string, len(inputs))
	for k, v := range inputs {
		values[k] = v
	}

	report := &Report{Outcomes: make(map[string]*StepOutcome, len(spec.Steps))}

	var mu sync.Mutex
	failed := false

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, level := range stepLevels {
		if failed {
			for _, s := range level {
				mu.Lock()
				report.Outcomes[s.ID] = &StepOutcome{StepID: s.ID, Skipped: true, Err: fmt.Errorf("workflow: skipped after required step failure")}
				mu.Unlock()
			}
			continue
		}

		sem := make(chan struct{}, e.poolSize)
		var wg sync.WaitGroup

		for _, step := range level {
			step := step

			mu.Lock()
			skip := false
			for _, dep := range step.DependsOn {
				if o := report.Outcomes[dep]; o != nil && (o.Err != nil || o.Skipped) {
					skip = true
				}
			}
			mu.Unlock()
			if skip {
				mu.Lock()
				report.Outcomes[step.ID] = &StepOutcome{StepID: step.ID, Skipped: true, Err: fmt.Errorf("workflow: skipped because a dependency did not succeed")}
				mu.Unlock()
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				mu.Lock()
				snapshot := make(map[string]string, len(values))
				for k, v := range values {
					snapshot[k] = v
				}
				mu.Unlock()

				stepCtx := runCtx
				var stepCancel context.CancelFunc
				if step.TimeoutMS > 0 {
					stepCtx, stepCancel = context.WithTimeout(runCtx, time.Duration(step.TimeoutMS)*time.Millisecond)
					defer stepCancel()
				}

				out, attempts, err := e.executeStepWithRetry(stepCtx, step, snapshot)

				mu.Lock()
				report.Outcomes[step.ID] = &StepOutcome{StepID: step.ID, Output: out, Err: err, Attempts: attempts, Started: true}
				if err == nil && step.OutputName != "" {
					values[step.OutputName] = out
				}
				if err != nil && !step.Optional {
					failed = true
				}
				mu.Unlock()
			}()
		}

		wg.Wait()
	}

	outputs := make(map[string]string, len(spec.Outputs))
	for _, name := range spec.Outputs {
		if v, ok := values[name]; ok {
			outputs[name] = v
		}
	}

	if failed {
		return outputs, report, fmt.Errorf("workflow: %s failed: %s", spec.WorkflowID, firstFailure(report))
	}
	return outputs, report, nil
}

// executeStepWithRetry reinvokes a step with the same resolved inputs on
// failure, up to RetryPolicy.MaxRetries additional attempts.
func (e *Executor) executeStepWithRetry(ctx context.Context, step Step, values map[string]string) (string, int, error) {
	attempts := step.RetryPolicy.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.dispatch(ctx, step, values)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
	}
	return "", attempts, lastErr
}

func (e *Executor) dispatch(ctx context.Context, step Step, values map[string]string) (string, error) {
	input := resolveInput(step, values)

	switch step.Kind {
	case KindLLMCall:
		if e.generator == nil {
			return "", ErrDispatchNotConfigured
		}
		return e.generator.Generate(ctx, step.ToolRef, userMessage(input), llmOptions())

	case KindCodeTool:
		if e.runner == nil {
			return "", ErrDispatchNotConfigured
		}
		metrics, err := e.runner.Run(ctx, sandbox.Spec{
			Command: step.ToolRef,
			Input:   input,
			Timeout: time.Duration(step.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return "", err
		}
		if !metrics.Success {
			return metrics.Stdout, fmt.Errorf("workflow: code tool %q exited %d: %s", step.ToolRef, metrics.ExitCode, metrics.Stderr)
		}
		return metrics.Stdout, nil

	case KindExistingTool:
		if e.tools == nil {
			return "", ErrDispatchNotConfigured
		}
		tool, err := e.tools.Get(step.ToolRef)
		if err != nil {
			return "", err
		}
		result, err := e.tools.Invoke(ctx, tool, input)
		if err != nil {
			return "", err
		}
		if result.Text != "" {
			return result.Text, nil
		}
		if result.Metrics != nil {
			return result.Metrics.Stdout, nil
		}
		return "", nil

	case KindSubWorkflow:
		if e.workflows == nil {
			return "", ErrDispatchNotConfigured
		}
		sub, err := e.workflows.Lookup(ctx, step.ToolRef)
		if err != nil {
			return "", err
		}
		var subInputs map[string]string
		if err := json.Unmarshal([]byte(input), &subInputs); err != nil {
			subInputs = map[string]string{}
			if len(sub.Inputs) > 0 {
				subInputs[sub.Inputs[0]] = input
			}
		}
		outputs, _, err := e.Execute(ctx, sub, subInputs)
		if err != nil {
			return "", err
		}
		if len(sub.Outputs) > 0 {
			return outputs[sub.Outputs[0]], nil
		}
		return encodeOutputs(outputs), nil

	default:
		return "", fmt.Errorf("workflow: unknown step kind %q", step.Kind)
	}
}

// resolveInput builds the JSON object a step's dispatch target receives,
// mapping each declared parameter name to its resolved source value.
func resolveInput(step Step, values map[string]string) string {
	params := make(map[string]string, len(step.InputMapping))
	for param, source := range step.InputMapping {
		params[param] = values[source]
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeOutputs(outputs map[string]string) string {
	b, err := json.Marshal(outputs)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func firstFailure(report *Report) string {
	ids := make([]string, 0, len(report.Outcomes))
	for id := range report.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if o := report.Outcomes[id]; o.Err != nil && !o.Skipped {
			return fmt.Sprintf("%s: %v", id, o.Err)
		}
	}
	return "unknown step failure"
}
