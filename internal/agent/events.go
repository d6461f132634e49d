package agent

import "encoding/json"

// EventKind enumerates the event types emitted over a question's stream.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventIteration EventKind = "iteration"
	EventThinking  EventKind = "thinking"
	EventState     EventKind = "state"
	EventAction    EventKind = "action"
	EventResult    EventKind = "result"
	EventFinal     EventKind = "final"
	EventTimeout   EventKind = "timeout"
	EventError     EventKind = "error"
)

// Event is one entry in a question's ordered event stream. Fields unused by
// a given Kind are left zero and omitted from JSON.
type Event struct {
	Kind EventKind `json:"kind"`

	Question   string          `json:"question,omitempty"`
	Number     int             `json:"number,omitempty"`
	Message    string          `json:"message,omitempty"`
	State      string          `json:"state,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Action     json.RawMessage `json:"action,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	Confidence string          `json:"confidence,omitempty"`
	Iterations int             `json:"iterations,omitempty"`
	Where      string          `json:"where,omitempty"`
}

// Emitter receives events in strict emission order. The orchestrator
// package supplies one backed by a buffered channel; tests can supply a
// plain slice-appending func.
type Emitter func(Event)
