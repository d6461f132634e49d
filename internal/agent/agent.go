// Package agent implements the reasoning-agent state machine: a loop that
// asks an oracle to pick the next state, executes that state's side effect
// against the tool store and sandboxed executor, and emits an ordered trace
// of events until it reaches a terminal state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/toolmind/agent/config"
	"github.com/toolmind/agent/internal/agent/telemetry"
	"github.com/toolmind/agent/internal/oracle"
	"github.com/toolmind/agent/internal/sandbox"
	"github.com/toolmind/agent/internal/store"
)

const (
	stateRespond          = "respond"
	stateFetchTool        = "fetch_tool"
	stateUseTool          = "use_tool"
	stateAnalyzeComposite = "analyze_tools_for_composite"
	stateCreateTool       = "create_tool"
	stateExitResponse     = "exit_response"
)

// transitions is the allowed-next-states table. respond is the entry state;
// apart from that it is only reachable again from use_tool.
var transitions = map[string][]string{
	stateRespond:          {stateExitResponse, stateFetchTool, stateCreateTool},
	stateFetchTool:        {stateUseTool, stateAnalyzeComposite, stateCreateTool, stateExitResponse},
	stateUseTool:          {stateRespond, stateFetchTool, stateExitResponse},
	stateAnalyzeComposite: {stateUseTool, stateCreateTool, stateFetchTool},
	stateCreateTool:       {stateUseTool, stateExitResponse},
}

// HistoryTurn is one prior question/answer pair supplied as conversation
// context.
type HistoryTurn struct {
	Question string
	Answer   string
}

// Request is one question to answer. IterMax and TMax, when non-zero,
// override the agent's configured defaults for this question only.
type Request struct {
	Question string
	History  []HistoryTurn
	IterMax  int
	TMax     time.Duration
}

// Agent wires the tool store, its search index, the sandboxed executor, and
// the oracle adapter together behind one state machine.
type Agent struct {
	Store     *store.Store
	Index     *store.Index
	Executor  *sandbox.Executor
	Oracle    *oracle.Adapter
	Telemetry *telemetry.Telemetry
	AgentCfg  config.AgentConfig
	SearchCfg config.SearchConfig
	Logger    *log.Logger
}

// New builds an Agent with the default [AG]-prefixed stdlib logger.
func New(s *store.Store, idx *store.Index, ex *sandbox.Executor, or *oracle.Adapter, tel *telemetry.Telemetry, agentCfg config.AgentConfig, searchCfg config.SearchConfig) *Agent {
	return &Agent{
		Store:     s,
		Index:     idx,
		Executor:  ex,
		Oracle:    or,
		Telemetry: tel,
		AgentCfg:  agentCfg,
		SearchCfg: searchCfg,
		Logger:    log.New(os.Stderr, "[AG] ", log.LstdFlags),
	}
}

// Ask drives the state machine for one question, calling emit for every
// event in strict order. It returns nil when the run ends in a final
// answer, a timeout, or an external cancellation. When the run ends in an
// error (oracle failure, policy violation, failed side effect) it emits an
// error event and returns that error.
func (a *Agent) Ask(ctx context.Context, req Request, emit Emitter) error {
	budget := time.Duration(a.AgentCfg.WallClockBudgetSec) * time.Second
	if req.TMax > 0 {
		budget = req.TMax
	}
	iterMax := a.AgentCfg.MaxIterations
	if req.IterMax > 0 {
		iterMax = req.IterMax
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	sp := newScratchpad()
	current := stateRespond
	start := time.Now()
	outcome := questionOutcome{}

	if a.Telemetry != nil {
		defer func() {
			a.recordQuestion(req, sp, start, outcome)
		}()
	}

	emit(Event{Kind: EventStart, Question: req.Question})

	for iter := 1; ; iter++ {
		if iter > iterMax {
			a.forceExit(sp, iter-1, emit, "iteration cap reached with partial evidence")
			outcome = questionOutcome{success: true}
			return nil
		}

		select {
		case <-ctx.Done():
			emit(Event{Kind: EventTimeout, Message: "wall-clock budget exceeded", Iterations: iter - 1})
			outcome = questionOutcome{success: false, errMsg: "timeout"}
			return nil
		default:
		}

		emit(Event{Kind: EventIteration, Number: iter})

		// callCtx carries no deadline or cancel signal of its own, so budget
		// expiry or an external Cancel never aborts an oracle/executor call
		// mid-flight; ctx (still ticking) is what emitStop inspects once the
		// call returns to decide whether to act on it.
		callCtx := context.WithoutCancel(ctx)
		prompt := buildPrompt(req, sp)
		raw, usage, err := a.Oracle.Decide(callCtx, prompt, func(r json.RawMessage) error {
			_, verr := validateDecision(r, current)
			return verr
		})
		if a.Telemetry != nil {
			a.Telemetry.RecordState(ctx, telemetry.StateEvent{
				State:      current,
				Success:    err == nil,
				TokensUsed: usage.InputTokens + usage.OutputTokens,
			})
		}
		if a.emitStop(ctx, emit, iter, &outcome) {
			return nil
		}
		if err != nil {
			emit(Event{Kind: EventError, Message: err.Error(), Where: current})
			outcome = questionOutcome{success: false, errMsg: err.Error()}
			return err
		}
		d, _ := validateDecision(raw, current)

		emit(Event{Kind: EventThinking, Reasoning: d.Reasoning, State: d.State})

		if d.State == stateCreateTool {
			if polErr := a.checkSearchBeforeCreate(sp, current); polErr != nil {
				emit(Event{Kind: EventError, Message: polErr.Error(), Where: current})
				outcome = questionOutcome{success: false, errMsg: polErr.Error()}
				return polErr
			}
		}
		if current == stateFetchTool && d.State == stateCreateTool && sp.LastFetchHadCandidates {
			polErr := fmt.Errorf("reuse-before-generate violated: fetch_tool returned candidates above threshold")
			emit(Event{Kind: EventError, Message: polErr.Error(), Where: current})
			outcome = questionOutcome{success: false, errMsg: polErr.Error()}
			return polErr
		}

		step, terminal, terr := a.execute(callCtx, req, sp, d, iter)
		if a.emitStop(ctx, emit, iter, &outcome) {
			return nil
		}
		if terr != nil {
			emit(Event{Kind: EventError, Message: terr.Error(), Where: d.State})
			outcome = questionOutcome{success: false, errMsg: terr.Error()}
			return terr
		}
		sp.Steps = append(sp.Steps, step)
		if terminal {
			var ea exitAction
			_ = json.Unmarshal(step.Result, &ea)
			emit(Event{Kind: EventFinal, Answer: ea.FinalAnswer, Confidence: ea.Confidence, Iterations: iter})
			outcome = questionOutcome{success: true}
			return nil
		}
		if len(step.Result) > 0 {
			emit(Event{Kind: EventResult, State: d.State, Result: step.Result})
		}
		current = d.State
	}
}

// emitStop checks whether ctx ended while the oracle/executor call just
// issued was in flight, and if so reports it the way the loop's
// between-iteration check does: a timeout event on budget expiry, or
// nothing at all on an external Cancel. The call itself was always allowed
// to run to completion; this only decides whether to use its result.
func (a *Agent) emitStop(ctx context.Context, emit Emitter, iter int, outcome *questionOutcome) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		emit(Event{Kind: EventTimeout, Message: "wall-clock budget exceeded", Iterations: iter - 1})
	}
	*outcome = questionOutcome{success: false, errMsg: err.Error()}
	return true
}

// checkSearchBeforeCreate enforces that create_tool is only reachable once a
// fetch_tool in this run came back empty, or composition analysis concluded
// no composition is possible.
func (a *Agent) checkSearchBeforeCreate(sp *Scratchpad, current string) error {
	if sp.FetchReturnedEmpty || sp.ReuseExhausted {
		return nil
	}
	return fmt.Errorf("search-before-create violated: create_tool reached without an empty fetch_tool or exhausted composition")
}

// execute performs the side effect for the chosen state and returns the
// completed step plus whether this was a terminal transition.
func (a *Agent) execute(ctx context.Context, req Request, sp *Scratchpad, d decision, iter int) (Step, bool, error) {
	switch d.State {
	case stateFetchTool:
		return a.execFetchTool(ctx, sp, d)
	case stateUseTool:
		return a.execUseTool(ctx, sp, d)
	case stateAnalyzeComposite:
		return a.execAnalyzeComposite(sp, d)
	case stateCreateTool:
		return a.execCreateTool(ctx, req, sp, d)
	case stateExitResponse:
		return a.execExitResponse(sp, d, iter)
	default: // respond: pure reasoning step, no side effect
		return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action}, false, nil
	}
}

func (a *Agent) execFetchTool(ctx context.Context, sp *Scratchpad, d decision) (Step, bool, error) {
	var act fetchAction
	_ = json.Unmarshal(d.Action, &act)

	results := a.Index.Search(ctx, act.Query, a.SearchCfg.TopK, a.SearchCfg.Threshold, true, true, a.SearchCfg.RecallSize)
	sp.LastFetchHadCandidates = len(results) > 0
	if len(results) == 0 {
		sp.FetchReturnedEmpty = true
	}

	cands := make([]Candidate, 0, len(results))
	for _, r := range results {
		cands = append(cands, Candidate{Name: r.Tool.Name, Description: r.Tool.Description})
	}
	sp.addCandidates(cands)

	resultJSON, _ := json.Marshal(map[string]any{"count": len(results), "candidates": cands})
	return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
}

func (a *Agent) execUseTool(ctx context.Context, sp *Scratchpad, d decision) (Step, bool, error) {
	var act useToolAction
	_ = json.Unmarshal(d.Action, &act)

	val, err := a.Store.ExecuteAccounted(ctx, a.Executor, a.AgentCfg.BugThreshold, act.Tool, act.Args)
	if err != nil {
		sp.HadFailure = true
		var sErr *sandbox.Error
		if errors.As(err, &sErr) {
			resultJSON, _ := json.Marshal(map[string]any{"error_kind": sErr.Kind, "message": sErr.Message})
			return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
		}
		resultJSON, _ := json.Marshal(map[string]any{"error_kind": "StoreError", "message": err.Error()})
		return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
	}

	resultJSON, _ := json.Marshal(map[string]any{"value": val})
	return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
}

func (a *Agent) execAnalyzeComposite(sp *Scratchpad, d decision) (Step, bool, error) {
	var act composeAction
	if len(d.Action) > 0 {
		_ = json.Unmarshal(d.Action, &act)
	}
	if !act.Composable {
		sp.ReuseExhausted = true
	}
	resultJSON, _ := json.Marshal(act)
	return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
}

func (a *Agent) execCreateTool(ctx context.Context, req Request, sp *Scratchpad, d decision) (Step, bool, error) {
	specPrompt := buildToolSpecPrompt(req, sp, d.Reasoning)
	specRaw, usage, err := a.Oracle.Decide(ctx, specPrompt, validateToolSpec)
	if a.Telemetry != nil {
		a.Telemetry.RecordState(ctx, telemetry.StateEvent{
			State:      stateCreateTool,
			Success:    err == nil,
			TokensUsed: usage.InputTokens + usage.OutputTokens,
		})
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("create_tool: oracle failed to produce a tool spec: %w", err)
	}

	var spec store.ToolSpec
	if err := json.Unmarshal(specRaw, &spec); err != nil {
		return Step{}, false, fmt.Errorf("create_tool: %w", err)
	}

	created, err := a.Store.Create(ctx, spec)
	if errors.Is(err, store.ErrNameConflict) {
		spec.Name = spec.Name + "_2"
		created, err = a.Store.Create(ctx, spec)
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("create_tool: %w", err)
	}
	if a.Index != nil {
		if err := a.Index.Put(created); err != nil {
			a.Logger.Printf("create_tool: index %s: %v", created.Name, err)
		}
	}

	sp.addCandidates([]Candidate{{Name: created.Name, Description: created.Description}})
	resultJSON, _ := json.Marshal(map[string]any{"created": created.Name, "id": created.ID})
	return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, false, nil
}

func (a *Agent) execExitResponse(sp *Scratchpad, d decision, iter int) (Step, bool, error) {
	var act exitAction
	_ = json.Unmarshal(d.Action, &act)
	if sp.HadFailure {
		act.Confidence = "low"
	}
	resultJSON, _ := json.Marshal(act)
	return Step{State: d.State, Reasoning: d.Reasoning, Action: d.Action, Result: resultJSON}, true, nil
}

type questionOutcome struct {
	success bool
	errMsg  string
}

// recordQuestion folds the completed run's step trail into one telemetry
// QuestionEvent.
func (a *Agent) recordQuestion(req Request, sp *Scratchpad, start time.Time, outcome questionOutcome) {
	states := make([]string, 0, len(sp.Steps))
	tools := make([]string, 0)
	for _, s := range sp.Steps {
		states = append(states, s.State)
		if s.State == stateUseTool {
			var act useToolAction
			if err := json.Unmarshal(s.Action, &act); err == nil && act.Tool != "" {
				tools = append(tools, act.Tool)
			}
		}
	}
	a.Telemetry.RecordQuestion(context.Background(), telemetry.QuestionEvent{
		Question:       req.Question,
		StartTime:      start,
		EndTime:        time.Now(),
		ProcessingTime: time.Since(start),
		Success:        outcome.success,
		Error:          outcome.errMsg,
		StatesVisited:  states,
		ToolsUsed:      tools,
	})
}

// forceExit is used when the iteration cap is hit without the oracle ever
// choosing exit_response: it synthesizes a final answer from the last
// reasoning on the scratchpad rather than asking the oracle again. Reaching
// the cap always means the agent exits on partial evidence, so the answer
// is never presented with more than low confidence.
func (a *Agent) forceExit(sp *Scratchpad, iterations int, emit Emitter, reason string) {
	answer := reason
	if n := len(sp.Steps); n > 0 {
		answer = sp.Steps[n-1].Reasoning
	}
	emit(Event{
		Kind:       EventFinal,
		Answer:     answer,
		Confidence: "low",
		Iterations: iterations,
	})
}
