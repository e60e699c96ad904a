package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeevolver/evolver/artifact"
)

// ArtifactLookup resolves a sub-workflow id against an artifact.Memory,
// decoding the matched artifact's Content as a rawSpec JSON document. A
// KindSubWorkflow step can address any spec stored as a TypeWorkflow (or
// TypeSubWorkflow) artifact whose ID is the workflow id; the pipeline does
// not store its planned specs this way.
type ArtifactLookup struct {
	mem artifact.Memory
}

// NewArtifactLookup constructs an ArtifactLookup over mem.
func NewArtifactLookup(mem artifact.Memory) *ArtifactLookup {
	return &ArtifactLookup{mem: mem}
}

// Lookup implements Lookup.
func (l *ArtifactLookup) Lookup(ctx context.Context, workflowID string) (*Spec, error) {
	a, err := l.mem.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow: lookup %q: %w", workflowID, err)
	}
	if a.Type != artifact.TypeWorkflow && a.Type != artifact.TypeSubWorkflow {
		return nil, fmt.Errorf("workflow: artifact %q is not a workflow (type=%s)", workflowID, a.Type)
	}
	var raw rawSpec
	if err := json.Unmarshal([]byte(a.Content), &raw); err != nil {
		return nil, fmt.Errorf("workflow: decode spec for %q: %w", workflowID, err)
	}
	spec := fromRaw(raw)
	if spec.WorkflowID == "" {
		spec.WorkflowID = workflowID
	}
	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("workflow: stored spec for %q is invalid: %w", workflowID, err)
	}
	return spec, nil
}

// Encode marshals spec to the JSON form ArtifactLookup expects as an
// artifact's Content, for callers persisting a spec.
func Encode(spec *Spec) (string, error) {
	raw := rawSpec{
		WorkflowID: spec.WorkflowID,
		Inputs:     spec.Inputs,
		Outputs:    spec.Outputs,
	}
	for _, s := range spec.Steps {
		rs := rawStep{
			StepID:        s.ID,
			Kind:          string(s.Kind),
			ToolRef:       s.ToolRef,
			InputMapping:  s.InputMapping,
			OutputName:    s.OutputName,
			ParallelGroup: s.ParallelGroup,
			DependsOn:     s.DependsOn,
			TimeoutMS:     s.TimeoutMS,
			Optional:      s.Optional,
		}
		rs.RetryPolicy.MaxRetries = s.RetryPolicy.MaxRetries
		raw.Steps = append(raw.Steps, rs)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
