package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

// Name identifies a phase-specific output schema.
type Name string

const (
	NamePhase         Name = "phase"
	NameAggregator    Name = "aggregator"
	NameFix           Name = "fix"
	NameStandaloneFix Name = "standalone fix"
)

// The standalone fix output is a tagged union, which struct reflection
// cannot express; its schema is written out by hand.
const standaloneFixSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "status": {"const": "fixed"},
        "commit_message": {"type": "string", "minLength": 1}
      },
      "required": ["status", "commit_message"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "status": {"const": "wont_fix"},
        "reason": {"type": "string", "minLength": 1}
      },
      "required": ["status", "reason"],
      "additionalProperties": false
    }
  ]
}`

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledByName map[Name]*santhosh.Schema
)

// compiledSchema returns the compiled JSON Schema for a phase, reflecting
// the Go output structs once and compiling them lazily.
func compiledSchema(name Name) (*santhosh.Schema, error) {
	schemaOnce.Do(func() {
		compiledByName = make(map[Name]*santhosh.Schema, 4)
		reflected := map[Name]any{
			NamePhase:      &PhaseOutput{},
			NameAggregator: &AggregatorOutput{},
			NameFix:        &FixOutput{},
		}
		for n, model := range reflected {
			compiled, err := compileReflected(model)
			if err != nil {
				schemaErr = fmt.Errorf("%s: %w", n, err)
				return
			}
			compiledByName[n] = compiled
		}
		compiled, err := compileRaw([]byte(standaloneFixSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("%s: %w", NameStandaloneFix, err)
			return
		}
		compiledByName[NameStandaloneFix] = compiled
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	compiled, ok := compiledByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return compiled, nil
}

func compileReflected(model any) (*santhosh.Schema, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	reflected := reflector.Reflect(model)
	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, err
	}
	return compileRaw(data)
}

func compileRaw(data []byte) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// ExampleJSON returns a payload illustrating the expected schema, shown to
// agents in correction prompts.
func (n Name) ExampleJSON() string {
	switch n {
	case NamePhase:
		return `{"findings": [{"id": "example-issue", "file": "internal/server.go", "line": 42, "severity": "critical", "description": "issue description", "category": "style", "depends_on": []}]}`
	case NameAggregator:
		return `{"verdict": "approved", "comment": "summary", "findings": [{"id": "example-issue", "file": "internal/server.go", "line": 1, "severity": "warning", "description": "issue", "category": "style", "depends_on": []}], "fix_instructions": null}`
	case NameFix:
		return `{"status": "fixed", "summary": "what was done", "files_changed": ["internal/server.go"]}`
	case NameStandaloneFix:
		return `{"status": "fixed", "commit_message": "finding-id: description of fix"}`
	default:
		return "{}"
	}
}

// CorrectionPrompt builds the prompt sent when an agent returned malformed
// output: it quotes the parse error and shows the expected schema.
func CorrectionPrompt(name Name, parseError string) string {
	return fmt.Sprintf(
		"Your previous output could not be parsed as valid JSON.\n"+
			"Error: %s\n\n"+
			"Return ONLY a JSON object matching this schema (no markdown fences, no extra text):\n%s",
		parseError, name.ExampleJSON(),
	)
}
