package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/toolmind/agent/internal/store"
)

// decision is the envelope the oracle must return on every state-selection
// call: which state to move to, why, and an optional action payload whose
// shape depends on state.
type decision struct {
	State     string          `json:"state"`
	Reasoning string          `json:"reasoning"`
	Action    json.RawMessage `json:"action,omitempty"`
}

type fetchAction struct {
	Query string `json:"query"`
}

type useToolAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type composeAction struct {
	Composable bool     `json:"composable"`
	Tools      []string `json:"tools,omitempty"`
}

type exitAction struct {
	FinalAnswer string `json:"final_answer"`
	Confidence  string `json:"confidence"`
}

var validConfidence = map[string]bool{"low": true, "medium": true, "high": true}

// validateDecision checks JSON shape plus FSM legality: current must allow
// the returned state, and terminal/action-bearing states must carry the
// action fields their handler requires.
func validateDecision(raw json.RawMessage, current string) (decision, error) {
	var d decision
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return decision{}, fmt.Errorf("malformed decision: %w", err)
	}
	if d.State == "" || d.Reasoning == "" {
		return decision{}, fmt.Errorf("decision missing state or reasoning")
	}
	allowed, ok := transitions[current]
	if !ok {
		return decision{}, fmt.Errorf("unknown current state %q", current)
	}
	if !contains(allowed, d.State) {
		return decision{}, fmt.Errorf("illegal transition %s -> %s", current, d.State)
	}

	switch d.State {
	case stateFetchTool:
		var a fetchAction
		if err := json.Unmarshal(d.Action, &a); err != nil || a.Query == "" {
			return decision{}, fmt.Errorf("fetch_tool requires a non-empty action.query")
		}
	case stateUseTool:
		var a useToolAction
		if err := json.Unmarshal(d.Action, &a); err != nil || a.Tool == "" {
			return decision{}, fmt.Errorf("use_tool requires a non-empty action.tool")
		}
	case stateAnalyzeComposite:
		var a composeAction
		if len(d.Action) > 0 {
			if err := json.Unmarshal(d.Action, &a); err != nil {
				return decision{}, fmt.Errorf("analyze_tools_for_composite action malformed: %w", err)
			}
		}
	case stateExitResponse:
		var a exitAction
		if err := json.Unmarshal(d.Action, &a); err != nil || a.FinalAnswer == "" {
			return decision{}, fmt.Errorf("exit_response requires a non-empty action.final_answer")
		}
		if !validConfidence[a.Confidence] {
			return decision{}, fmt.Errorf("exit_response confidence must be one of low, medium, high")
		}
	}
	return d, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// buildPrompt assembles the oracle prompt for a state-selection call: the
// question, prior conversation turns, the full step trail so far, and the
// catalog of tools discovered via search this question.
func buildPrompt(req Request, sp *Scratchpad) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)

	if len(req.History) > 0 {
		b.WriteString("Conversation history:\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", h.Question, h.Answer)
		}
		b.WriteString("\n")
	}

	if len(sp.Steps) > 0 {
		b.WriteString("Steps so far:\n")
		for i, s := range sp.Steps {
			fmt.Fprintf(&b, "%d. state=%s reasoning=%q action=%s result=%s\n",
				i+1, s.State, s.Reasoning, orEmpty(s.Action), orEmpty(s.Result))
		}
		b.WriteString("\n")
	}

	if cands := sp.candidateList(); len(cands) > 0 {
		b.WriteString("Tools discovered so far:\n")
		for _, c := range cands {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with JSON: {\"state\": one of the allowed next states, " +
		"\"reasoning\": string, \"action\": object matching that state's shape}.\n")
	return b.String()
}

func orEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// buildToolSpecPrompt is the second, separate oracle call used only when
// create_tool is entered: it asks specifically for a tool spec rather than
// a state decision, since code generation needs a longer, example-laden
// prompt than the per-iteration decision call.
func buildToolSpecPrompt(req Request, sp *Scratchpad, reasoning string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)
	fmt.Fprintf(&b, "The agent decided no existing tool covers this need: %s\n\n", reasoning)
	if cands := sp.candidateList(); len(cands) > 0 {
		b.WriteString("Tools that already exist (avoid duplicating these):\n")
		for _, c := range cands {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("Write a new tool as JSON matching this shape:\n" +
		`{"name": "snake_case_name", "description": "...", "category": "...", ` +
		`"tags": ["..."], "parameters": [{"name": "...", "type": "string|number|boolean|object|array", ` +
		`"required": true, "description": "..."}], "code": "def run(param_one, param_two):\n    ...\n    return value"}` + "\n")
	b.WriteString("The code must define a top-level run function returning the tool's result; each declared " +
		"parameter is passed to run as a keyword argument of the same name. " +
		"It runs inside a restricted interpreter: no filesystem or OS access, only the predeclared " +
		"helpers (http_get, json, execute_tool for chaining into other tools, math, now).\n")
	return b.String()
}

func validateToolSpec(raw json.RawMessage) error {
	var spec store.ToolSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&spec); err != nil {
		return fmt.Errorf("malformed tool spec: %w", err)
	}
	if err := store.ValidateSpec(spec); err != nil {
		return err
	}
	return nil
}
