package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventTypeRunStarted,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "question"],
  "properties": {
    "run_id": {"type": "string"},
    "question": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTypeQuestionEvent,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "kind"],
  "properties": {
    "run_id": {"type": "string"},
    "kind": {
      "type": "string",
      "enum": ["start", "iteration", "thinking", "state", "action", "result", "final", "timeout", "error"]
    },
    "question": {"type": "string"},
    "number": {"type": "integer"},
    "message": {"type": "string"},
    "state": {"type": "string"},
    "reasoning": {"type": "string"},
    "action": {"type": "object"},
    "result": {"type": "object"},
    "answer": {"type": "string"},
    "confidence": {"type": "string", "enum": ["low", "medium", "high"]},
    "iterations": {"type": "integer"},
    "where": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTypeRunCompleted,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "outcome"],
  "properties": {
    "run_id": {"type": "string"},
    "outcome": {"type": "string", "enum": ["exit_response", "timeout", "error"]},
    "iterations": {"type": "integer"},
    "answer": {"type": "string"},
    "confidence": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
