package streams

import (
	"encoding/json"
	"testing"
)

func TestBaseSchemasValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	startedPayload := map[string]interface{}{
		"run_id":   "run-123",
		"question": "what tools can add two numbers?",
	}
	data, err := json.Marshal(startedPayload)
	if err != nil {
		t.Fatalf("marshal run_started payload: %v", err)
	}
	if err := reg.Validate(EventTypeRunStarted, "v1", data); err != nil {
		t.Fatalf("expected agent.run_started payload to validate: %v", err)
	}

	questionEventPayload := map[string]interface{}{
		"run_id":     "run-123",
		"kind":       "action",
		"state":      "use_tool",
		"reasoning":  "the divider tool matches",
		"action":     map[string]interface{}{"tool": "divide", "args": map[string]interface{}{"a": 4, "b": 2}},
		"iterations": 2,
	}
	data, err = json.Marshal(questionEventPayload)
	if err != nil {
		t.Fatalf("marshal question_event payload: %v", err)
	}
	if err := reg.Validate(EventTypeQuestionEvent, "v1", data); err != nil {
		t.Fatalf("expected agent.question_event payload to validate: %v", err)
	}

	badKindPayload := map[string]interface{}{
		"run_id": "run-123",
		"kind":   "not_a_real_kind",
	}
	data, err = json.Marshal(badKindPayload)
	if err != nil {
		t.Fatalf("marshal bad question_event payload: %v", err)
	}
	if err := reg.Validate(EventTypeQuestionEvent, "v1", data); err == nil {
		t.Fatal("expected agent.question_event payload with unknown kind to fail validation")
	}

	completedPayload := map[string]interface{}{
		"run_id":     "run-123",
		"outcome":    "exit_response",
		"iterations": 3,
		"answer":     "2",
		"confidence": "high",
	}
	data, err = json.Marshal(completedPayload)
	if err != nil {
		t.Fatalf("marshal run_completed payload: %v", err)
	}
	if err := reg.Validate(EventTypeRunCompleted, "v1", data); err != nil {
		t.Fatalf("expected agent.run_completed payload to validate: %v", err)
	}

	if err := reg.Validate(EventTypeRunCompleted, "v1", []byte(`{"outcome":"exit_response"}`)); err == nil {
		t.Fatal("expected agent.run_completed payload missing run_id to fail validation")
	}
}
