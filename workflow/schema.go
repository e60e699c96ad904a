package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSpecSchemaJSON is the JSON Schema the overseer's decomposition
// response must satisfy, checked before the response is decoded into a
// rawSpec. It catches shape violations (wrong kind enum value, missing
// step_id, non-array steps) with a precise pointer into the offending
// field, which a bare DisallowUnknownFields decode cannot do — decoding
// rejects fields it doesn't expect but accepts any value for fields it
// does, including a mistyped "kind".
const workflowSpecSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_id", "steps"],
  "properties": {
    "workflow_id": {"type": "string", "minLength": 1},
    "inputs": {"type": "array", "items": {"type": "string"}},
    "outputs": {"type": "array", "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_id", "kind"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["LLM_CALL", "CODE_TOOL", "SUB_WORKFLOW", "EXISTING_TOOL"]},
          "tool_ref": {"type": "string"},
          "input_mapping": {"type": "object", "additionalProperties": {"type": "string"}},
          "output_name": {"type": "string"},
          "parallel_group": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "timeout_ms": {"type": "integer", "minimum": 0},
          "optional": {"type": "boolean"},
          "retry_policy": {
            "type": "object",
            "properties": {"max_retries": {"type": "integer", "minimum": 0}}
          }
        }
      }
    }
  }
}`

const workflowSpecSchemaResource = "codeevolver/workflow-spec.json"

var compiledWorkflowSpecSchema = mustCompileWorkflowSpecSchema()

func mustCompileWorkflowSpecSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(workflowSpecSchemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("workflow: invalid embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(workflowSpecSchemaResource, doc); err != nil {
		panic(fmt.Sprintf("workflow: add schema resource: %v", err))
	}
	sch, err := c.Compile(workflowSpecSchemaResource)
	if err != nil {
		panic(fmt.Sprintf("workflow: compile schema: %v", err))
	}
	return sch
}

// validateAgainstSchema checks a decoded JSON document (typically the
// output of llmjson.Extract fed through json.Unmarshal) against the
// WorkflowSpec schema before it is converted into a rawSpec/Spec.
func validateAgainstSchema(doc any) error {
	if err := compiledWorkflowSpecSchema.Validate(doc); err != nil {
		return fmt.Errorf("workflow: spec does not match schema: %w", err)
	}
	return nil
}
