// Package orchestrator is the single entry point for answering a question:
// it drives one agent.Agent run per call, marshals its events onto an
// ordered, bounded channel, and owns the cancellation and optional durable
// mirroring around that channel.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/toolmind/agent/internal/agent"
	"github.com/toolmind/agent/internal/queue/streams"
)

const minBufferSize = 64

// Options overrides a single ask's defaults.
type Options struct {
	IterMax int
	TMax    time.Duration
	History []agent.HistoryTurn
}

// Orchestrator fans every question through the same Agent, giving each
// in-flight question its own buffered channel and cancellation func.
type Orchestrator struct {
	agent  *agent.Agent
	mirror *Mirror // optional, nil when the durable mirror is disabled
	buffer int
	logger *log.Logger
}

// New builds an Orchestrator. bufferSize is clamped up to the minimum
// backpressure buffer the streaming contract requires; mirror may be nil.
func New(ag *agent.Agent, mirror *Mirror, bufferSize int) *Orchestrator {
	if bufferSize < minBufferSize {
		bufferSize = minBufferSize
	}
	return &Orchestrator{
		agent:  ag,
		mirror: mirror,
		buffer: bufferSize,
		logger: log.New(os.Stderr, "[SO] ", log.LstdFlags),
	}
}

// Run is one in-flight question: its event channel, the cancel func that
// tears it down, and the run ID events are mirrored under.
type Run struct {
	ID     string
	Events <-chan agent.Event
	Cancel context.CancelFunc
}

// Ask starts a question and returns immediately with its event stream. The
// caller must drain Events until it closes (after the terminal event) or
// call Cancel to abandon it early; either way the agent's Ask goroutine
// exits on its own once it observes a closed consumer or an external
// cancellation.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts Options) *Run {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan agent.Event, o.buffer)

	req := agent.Request{Question: question, History: opts.History}
	if opts.IterMax > 0 {
		req.IterMax = opts.IterMax
	}
	if opts.TMax > 0 {
		req.TMax = opts.TMax
	}

	if o.mirror != nil {
		o.mirror.publish(runCtx, runID, streams.EventTypeRunStarted, map[string]any{
			"run_id": runID, "question": question,
		})
	}

	go func() {
		defer close(events)
		var last agent.Event
		emit := func(ev agent.Event) {
			last = ev
			select {
			case events <- ev:
			case <-runCtx.Done():
				return
			}
			if o.mirror != nil {
				o.mirror.publishEvent(runCtx, runID, ev)
			}
		}

		if err := o.agent.Ask(runCtx, req, emit); err != nil {
			o.logger.Printf("run %s: %v", runID, err)
		}
		if o.mirror != nil {
			outcome := mirrorOutcome(last.Kind)
			o.mirror.publish(context.WithoutCancel(runCtx), runID, streams.EventTypeRunCompleted, map[string]any{
				"run_id": runID, "outcome": outcome, "iterations": last.Iterations,
				"answer": last.Answer, "confidence": last.Confidence,
			})
		}
	}()

	return &Run{ID: runID, Events: events, Cancel: cancel}
}

// mirrorOutcome maps an agent.EventKind to the run_completed envelope's
// outcome enum, which names terminal states rather than event kinds.
func mirrorOutcome(kind agent.EventKind) string {
	switch kind {
	case agent.EventFinal:
		return "exit_response"
	case agent.EventTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// AskSync runs a question to completion and returns only the terminal
// event's answer, confidence, and iteration count, or an error summarizing
// a timeout/error termination.
func (o *Orchestrator) AskSync(ctx context.Context, question string, opts Options) (agent.Event, error) {
	run := o.Ask(ctx, question, opts)
	defer run.Cancel()

	var last agent.Event
	for ev := range run.Events {
		last = ev
		switch ev.Kind {
		case agent.EventFinal:
			return ev, nil
		case agent.EventTimeout:
			return ev, fmt.Errorf("question timed out after %d iterations", ev.Iterations)
		case agent.EventError:
			return ev, fmt.Errorf("question failed at %s: %s", ev.Where, ev.Message)
		}
	}
	return last, fmt.Errorf("event stream closed without a terminal event")
}
