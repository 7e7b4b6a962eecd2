package decompose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// candidateSchema accepts either one decomposition or a list of alternatives.
const candidateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "task": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "decompose": {"type": "boolean"}
      }
    },
    "decomposition": {"type": "array", "items": {"$ref": "#/$defs/task"}}
  },
  "oneOf": [
    {"$ref": "#/$defs/decomposition"},
    {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/decomposition"}}
  ]
}`

const schemaURL = "hive://decompose/candidates.json"

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidateSchema))
	if err != nil {
		panic(fmt.Sprintf("decompose: parse candidate schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("decompose: add candidate schema: %v", err))
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("decompose: compile candidate schema: %v", err))
	}
	return sch
}

// Candidate is the JSON structure returned by the model for a single subtask.
type Candidate struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
	Decompose   bool     `json:"decompose"`
}

// ParseCandidates extracts and validates the decomposition alternatives in a
// model response. An empty decomposition is returned as an empty alternative;
// callers decide whether that is acceptable.
func ParseCandidates(response string) ([][]Candidate, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		preview := response
		if len(preview) > 200 {
			preview = preview[:200] + "... (truncated)"
		}
		return nil, fmt.Errorf("no valid JSON array found in response (got %d chars): %q", len(response), preview)
	}
	jsonStr := response[jsonStart : jsonEnd+1]

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("response does not match candidate schema: %w", err)
	}

	// An array whose first element is an array is a list of alternatives.
	if arr, ok := inst.([]any); ok && len(arr) > 0 {
		if _, nested := arr[0].([]any); nested {
			var alts [][]Candidate
			if err := json.Unmarshal([]byte(jsonStr), &alts); err != nil {
				return nil, fmt.Errorf("unmarshal alternatives: %w", err)
			}
			return alts, nil
		}
	}
	var single []Candidate
	if err := json.Unmarshal([]byte(jsonStr), &single); err != nil {
		return nil, fmt.Errorf("unmarshal decomposition: %w", err)
	}
	return [][]Candidate{single}, nil
}
