// Package telemetry aggregates in-process counters for the reasoning agent
// runtime: per-question outcomes, per-state durations, oracle token/cost
// usage, and tool execution success rates. It sits alongside the otel
// counters recorded by the store and sandbox packages, giving operators a
// cheap in-memory snapshot without scraping a metrics backend.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/toolmind/agent/config"
)

// Telemetry accumulates runtime metrics for one agent daemon process.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds accumulated counters across questions, FSM states, and tools.
type Metrics struct {
	TotalQuestions         int64
	SuccessfulQuestions    int64
	FailedQuestions        int64
	AverageProcessingTime  time.Duration

	StateExecutions   map[string]int64
	StateSuccessRates map[string]float64
	StateAverageTimes map[string]time.Duration

	OracleRequests      map[string]int64
	OracleTokensUsed     map[string]int64
	OracleAverageLatency map[string]time.Duration

	ToolExecutions    map[string]int64
	ToolSuccessRates  map[string]float64
	ToolAverageTimes  map[string]time.Duration
}

// CostTracker accumulates oracle spend, broken down by provider/model.
type CostTracker struct {
	mu sync.RWMutex

	DailyCosts     map[string]float64
	OperationCosts map[string]float64
	ModelCosts     map[string]float64

	TotalCost   float64
	TotalTokens int64
}

// QuestionEvent is a complete end-to-end record of one question answered by
// the reasoning agent, from orchestrator dispatch to final/timeout/error.
type QuestionEvent struct {
	ID             string
	Question       string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	StatesVisited  []string
	ToolsUsed      []string
	OracleModels   []string
}

// StateEvent records one FSM state transition's execution.
type StateEvent struct {
	ID         string
	State      string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// ToolEvent records one sandbox execution.
type ToolEvent struct {
	ID        string
	ToolName  string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// New builds a Telemetry tracker from the daemon's telemetry config. When
// MetricsEnabled is false, every Record* call is a no-op.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[telemetry] ", log.LstdFlags),
		metrics: &Metrics{
			StateExecutions:      make(map[string]int64),
			StateSuccessRates:    make(map[string]float64),
			StateAverageTimes:    make(map[string]time.Duration),
			OracleRequests:       make(map[string]int64),
			OracleTokensUsed:     make(map[string]int64),
			OracleAverageLatency: make(map[string]time.Duration),
			ToolExecutions:       make(map[string]int64),
			ToolSuccessRates:     make(map[string]float64),
			ToolAverageTimes:     make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			DailyCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}

	if cfg.MetricsEnabled {
		go t.startMetricsCollection()
	}

	return t
}

// RecordQuestion records a complete question's outcome.
func (t *Telemetry) RecordQuestion(ctx context.Context, event QuestionEvent) {
	if !t.config.MetricsEnabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalQuestions++
	if event.Success {
		t.metrics.SuccessfulQuestions++
	} else {
		t.metrics.FailedQuestions++
	}

	if t.metrics.TotalQuestions == 1 {
		t.metrics.AverageProcessingTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageProcessingTime * time.Duration(t.metrics.TotalQuestions-1)
		t.metrics.AverageProcessingTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalQuestions)
	}

	for _, model := range event.OracleModels {
		t.metrics.OracleRequests[model]++
		t.metrics.OracleTokensUsed[model] += event.TokensUsed
	}
	for _, tool := range event.ToolsUsed {
		t.metrics.ToolExecutions[tool]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("question id=%s success=%t duration=%v cost=$%.4f tokens=%d",
		event.ID, event.Success, event.ProcessingTime, event.Cost, event.TokensUsed)
}

// RecordState records one FSM state's execution.
func (t *Telemetry) RecordState(ctx context.Context, event StateEvent) {
	if !t.config.MetricsEnabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StateExecutions[event.State]++
	executions := t.metrics.StateExecutions[event.State]

	currentSuccess := t.metrics.StateSuccessRates[event.State] * float64(executions-1)
	if event.Success {
		currentSuccess++
	}
	t.metrics.StateSuccessRates[event.State] = currentSuccess / float64(executions)

	currentAvg := t.metrics.StateAverageTimes[event.State]
	if executions == 1 {
		t.metrics.StateAverageTimes[event.State] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.StateAverageTimes[event.State] = (total + event.Duration) / time.Duration(executions)
	}

	if event.ModelUsed != "" {
		t.metrics.OracleRequests[event.ModelUsed]++
		t.metrics.OracleTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}
	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
}

// RecordTool records one sandbox execution's outcome.
func (t *Telemetry) RecordTool(ctx context.Context, event ToolEvent) {
	if !t.config.MetricsEnabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolExecutions[event.ToolName]++
	executions := t.metrics.ToolExecutions[event.ToolName]

	currentSuccess := t.metrics.ToolSuccessRates[event.ToolName] * float64(executions-1)
	if event.Success {
		currentSuccess++
	}
	t.metrics.ToolSuccessRates[event.ToolName] = currentSuccess / float64(executions)

	currentAvg := t.metrics.ToolAverageTimes[event.ToolName]
	if executions == 1 {
		t.metrics.ToolAverageTimes[event.ToolName] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.ToolAverageTimes[event.ToolName] = (total + event.Duration) / time.Duration(executions)
	}
}

// Snapshot returns a deep copy of the current metrics.
func (t *Telemetry) Snapshot() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := *t.metrics
	out.StateExecutions = copyInt64Map(t.metrics.StateExecutions)
	out.StateSuccessRates = copyFloatMap(t.metrics.StateSuccessRates)
	out.StateAverageTimes = copyDurationMap(t.metrics.StateAverageTimes)
	out.OracleRequests = copyInt64Map(t.metrics.OracleRequests)
	out.OracleTokensUsed = copyInt64Map(t.metrics.OracleTokensUsed)
	out.OracleAverageLatency = copyDurationMap(t.metrics.OracleAverageLatency)
	out.ToolExecutions = copyInt64Map(t.metrics.ToolExecutions)
	out.ToolSuccessRates = copyFloatMap(t.metrics.ToolSuccessRates)
	out.ToolAverageTimes = copyDurationMap(t.metrics.ToolAverageTimes)
	return out
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurationMap(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CostSummary reports accumulated oracle spend.
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	DailyCosts     map[string]float64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// CostSummary returns a deep copy of the current cost tracker.
func (t *Telemetry) CostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		DailyCosts:     copyFloatMap(t.costTracker.DailyCosts),
		ModelCosts:     copyFloatMap(t.costTracker.ModelCosts),
		OperationCosts: copyFloatMap(t.costTracker.OperationCosts),
	}
}

func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m := t.Snapshot()
		c := t.CostSummary()
		t.logger.Printf("snapshot questions=%d/%d avg_time=%v total_cost=$%.4f total_tokens=%d",
			m.SuccessfulQuestions, m.TotalQuestions, m.AverageProcessingTime, c.TotalCost, c.TotalTokens)
	}
}

// Shutdown logs a final summary. It does not close any external connection;
// the tracker is purely in-memory.
func (t *Telemetry) Shutdown() {
	m := t.Snapshot()
	c := t.CostSummary()
	rate := 0.0
	if m.TotalQuestions > 0 {
		rate = float64(m.SuccessfulQuestions) / float64(m.TotalQuestions) * 100
	}
	t.logger.Printf("shutdown summary: questions=%d success_rate=%.2f%% avg_time=%v total_cost=$%.4f total_tokens=%d",
		m.TotalQuestions, rate, m.AverageProcessingTime, c.TotalCost, c.TotalTokens)
}

// Report renders a human-readable performance report.
func (t *Telemetry) Report() string {
	m := t.Snapshot()
	c := t.CostSummary()

	successRate, failRate := 0.0, 0.0
	if m.TotalQuestions > 0 {
		successRate = float64(m.SuccessfulQuestions) / float64(m.TotalQuestions) * 100
		failRate = float64(m.FailedQuestions) / float64(m.TotalQuestions) * 100
	}

	report := fmt.Sprintf(`Overall:
  Questions: %d
  Successful: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Processing Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

States:
`, m.TotalQuestions, m.SuccessfulQuestions, successRate, m.FailedQuestions, failRate,
		m.AverageProcessingTime, c.TotalCost, c.TotalTokens)

	for state, executions := range m.StateExecutions {
		report += fmt.Sprintf("  %s: %d runs, %.2f%% success, %v avg\n",
			state, executions, m.StateSuccessRates[state]*100, m.StateAverageTimes[state])
	}

	report += "\nOracle usage:\n"
	for model, requests := range m.OracleRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, m.OracleTokensUsed[model], c.ModelCosts[model])
	}

	report += "\nTool executions:\n"
	for tool, executions := range m.ToolExecutions {
		report += fmt.Sprintf("  %s: %d runs, %.2f%% success, %v avg\n",
			tool, executions, m.ToolSuccessRates[tool]*100, m.ToolAverageTimes[tool])
	}

	return report
}
