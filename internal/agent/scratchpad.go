package agent

import "encoding/json"

// Step is one completed iteration of the state machine: the state the
// oracle chose, its stated reasoning, the action payload (if any), and the
// outcome of executing that action's side effect. Prior steps are folded
// back into every subsequent prompt so the oracle can see its own trail.
type Step struct {
	State     string          `json:"state"`
	Reasoning string          `json:"reasoning"`
	Action    json.RawMessage `json:"action,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Candidate is one tool surfaced to the oracle as something it could use,
// compose, or avoid recreating.
type Candidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Scratchpad accumulates everything discovered over the course of one
// question: the step trail and every tool the agent has learned about
// through search results. It is append-only; nothing is ever removed from
// it mid-run.
type Scratchpad struct {
	Steps                  []Step
	Candidates             map[string]Candidate
	FetchReturnedEmpty     bool
	LastFetchHadCandidates bool
	ReuseExhausted         bool
	HadFailure             bool
}

func newScratchpad() *Scratchpad {
	return &Scratchpad{Candidates: make(map[string]Candidate)}
}

func (sp *Scratchpad) addCandidates(cs []Candidate) {
	for _, c := range cs {
		sp.Candidates[c.Name] = c
	}
}

func (sp *Scratchpad) candidateList() []Candidate {
	out := make([]Candidate, 0, len(sp.Candidates))
	for _, c := range sp.Candidates {
		out = append(out, c)
	}
	return out
}
