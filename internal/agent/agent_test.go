package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/toolmind/agent/config"
	"github.com/toolmind/agent/internal/oracle"
	"github.com/toolmind/agent/internal/store"
)

// scriptedOracleServer serves a fixed sequence of chat-completion replies,
// one per call, repeating the last once the sequence is exhausted. It lets
// Ask be driven end to end through a real oracle.Adapter without reaching
// an actual LLM provider.
func scriptedOracleServer(t *testing.T, replies []string) *httptest.Server {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := replies[calls]
		if calls < len(replies)-1 {
			calls++
		}
		body := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOracle(t *testing.T, replies []string) *oracle.Adapter {
	t.Helper()
	srv := scriptedOracleServer(t, replies)
	cfg := config.LLMConfig{
		Providers: []config.LLMProviderConfig{
			{Name: "test", Type: "openai", BaseURL: srv.URL, APIKey: "test-key", Model: "stub"},
		},
		RequestTimeoutSec: 5,
		RatePerMinute:     6000,
		RateBurst:         1000,
		MaxTokens:         256,
	}
	a, err := oracle.NewAdapter(cfg)
	require.NoError(t, err)
	return a
}

func newTestIndex(t *testing.T) *store.Index {
	t.Helper()
	idx, err := store.NewIndex(store.SearchWeights{
		ExactName: 0.35, NameSubstring: 0.15, TokenJaccard: 0.20, FuzzyName: 0.10,
		DescriptionHit: 0.08, TagHit: 0.07, CategoryHit: 0.03, SynonymExpansion: 0.02, Popularity: 0.05,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(nil))
	return idx
}

func decisionJSON(state, reasoning string, action map[string]any) string {
	raw, _ := json.Marshal(action)
	payload := map[string]any{"state": state, "reasoning": reasoning, "action": json.RawMessage(raw)}
	out, _ := json.Marshal(payload)
	return string(out)
}

func collect(events *[]Event) Emitter {
	return func(e Event) { *events = append(*events, e) }
}

func TestAgentExitsImmediately(t *testing.T) {
	reply := decisionJSON(stateExitResponse, "no tool needed", map[string]any{
		"final_answer": "the answer is 42", "confidence": "high",
	})
	a := &Agent{
		Index:  newTestIndex(t),
		Oracle: newTestOracle(t, []string{reply}),
		AgentCfg: config.AgentConfig{
			MaxIterations: 4, WallClockBudgetSec: 10, BugThreshold: 3,
		},
	}

	var events []Event
	err := a.Ask(context.Background(), Request{Question: "what is the answer?"}, collect(&events))
	require.NoError(t, err)

	require.Equal(t, EventStart, events[0].Kind)
	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Kind)
	require.Equal(t, "the answer is 42", last.Answer)
	require.Equal(t, 1, last.Iterations)
}

func TestAgentRejectsCreateToolWithoutEmptyFetch(t *testing.T) {
	reply := decisionJSON(stateCreateTool, "let's just write one", nil)
	a := &Agent{
		Index:    newTestIndex(t),
		Oracle:   newTestOracle(t, []string{reply}),
		AgentCfg: config.AgentConfig{MaxIterations: 4, WallClockBudgetSec: 10, BugThreshold: 3},
	}

	var events []Event
	err := a.Ask(context.Background(), Request{Question: "do something"}, collect(&events))
	require.Error(t, err)
	require.Contains(t, err.Error(), "search-before-create")

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
}

func TestAgentAllowsCreateToolAfterEmptyFetch(t *testing.T) {
	fetch := decisionJSON(stateFetchTool, "let's look first", map[string]any{"query": "a calculator"})
	create := decisionJSON(stateCreateTool, "nothing matched, write one", nil)
	toolSpec, err := json.Marshal(store.ToolSpec{
		Name:        "add_two_numbers",
		Description: "adds two numbers",
		Code:        "def run(args):\n    return args[\"a\"] + args[\"b\"]",
	})
	require.NoError(t, err)
	exit := decisionJSON(stateExitResponse, "done", map[string]any{"final_answer": "created it", "confidence": "medium"})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tools")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "category", "tags", "parameters", "code", "return_schema", "examples",
			"is_active", "is_bugged", "bug_count", "bug_log", "execution_count", "last_executed_at", "last_error_at",
			"created_at", "updated_at",
		}).AddRow(
			"tool-1", "add_two_numbers", "adds two numbers", "math", []byte(`[]`), []byte(`[]`),
			"def run(args):\n    return args[\"a\"] + args[\"b\"]", nil, nil,
			true, false, 0, []byte(`[]`), int64(0), nil, nil, now, now,
		))

	a := &Agent{
		Index:    newTestIndex(t),
		Store:    &store.Store{DB: db},
		Oracle:   newTestOracle(t, []string{fetch, create, string(toolSpec), exit}),
		AgentCfg: config.AgentConfig{MaxIterations: 6, WallClockBudgetSec: 10, BugThreshold: 3},
	}

	var events []Event
	err = a.Ask(context.Background(), Request{Question: "add two numbers for me"}, collect(&events))
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Kind)
	require.Equal(t, "created it", last.Answer)
}

func TestAgentForcesExitAtIterationCap(t *testing.T) {
	fetch := decisionJSON(stateFetchTool, "looking around", map[string]any{"query": "anything"})
	compose := decisionJSON(stateAnalyzeComposite, "checking composition", map[string]any{"composable": false})
	a := &Agent{
		Index:    newTestIndex(t),
		Oracle:   newTestOracle(t, []string{fetch, compose, fetch}),
		AgentCfg: config.AgentConfig{MaxIterations: 3, WallClockBudgetSec: 10, BugThreshold: 3},
	}

	var events []Event
	err := a.Ask(context.Background(), Request{Question: "loop forever"}, collect(&events))
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Kind)
	require.Equal(t, 3, last.Iterations)
	require.Equal(t, "low", last.Confidence)
}

func TestAgentDowngradesConfidenceAfterToolFailure(t *testing.T) {
	fetch := decisionJSON(stateFetchTool, "let's look first", map[string]any{"query": "divide"})
	useTool := decisionJSON(stateUseTool, "try the divider", map[string]any{"tool": "missing_tool", "args": map[string]any{}})
	exit := decisionJSON(stateExitResponse, "done", map[string]any{"final_answer": "couldn't finish", "confidence": "high"})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("missing_tool").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("missing_tool").WillReturnError(sql.ErrNoRows)

	a := &Agent{
		Index:     newTestIndex(t),
		Store:     &store.Store{DB: db},
		Oracle:    newTestOracle(t, []string{fetch, useTool, exit}),
		AgentCfg:  config.AgentConfig{MaxIterations: 6, WallClockBudgetSec: 10, BugThreshold: 3},
		SearchCfg: config.SearchConfig{TopK: 10, Threshold: 0.3, RecallSize: 50},
	}

	var events []Event
	err = a.Ask(context.Background(), Request{Question: "divide something"}, collect(&events))
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Kind)
	require.Equal(t, "low", last.Confidence)
}
