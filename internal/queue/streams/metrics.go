package streams

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce     sync.Once
	questionEventsTotal   otelmetric.Int64Counter
	questionIterations    otelmetric.Float64Histogram
	runCompletedTotal     otelmetric.Int64Counter
	schemaViolationsTotal otelmetric.Int64Counter
	droppedMessagesTotal  otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("toolmind/queue/streams")
	var err error
	questionEventsTotal, err = meter.Int64Counter(
		"agent_stream_events_total",
		otelmetric.WithDescription("Agent question events mirrored to the durable stream, by kind"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: agent_stream_events_total: %v", err)
	}
	questionIterations, err = meter.Float64Histogram(
		"agent_stream_run_iterations",
		otelmetric.WithDescription("Iteration count reported on agent.run_completed events"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: agent_stream_run_iterations: %v", err)
	}
	runCompletedTotal, err = meter.Int64Counter(
		"agent_stream_runs_completed_total",
		otelmetric.WithDescription("Completed question runs mirrored to the durable stream, by outcome"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: agent_stream_runs_completed_total: %v", err)
	}
	schemaViolationsTotal, err = meter.Int64Counter(
		"agent_stream_schema_violations_total",
		otelmetric.WithDescription("Envelopes rejected by the schema registry on publish or replay, by event type"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: agent_stream_schema_violations_total: %v", err)
	}
	droppedMessagesTotal, err = meter.Int64Counter(
		"agent_stream_dropped_messages_total",
		otelmetric.WithDescription("Consumer group messages acked and discarded without being handled, by reason"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: agent_stream_dropped_messages_total: %v", err)
	}
}

// recordSchemaViolation counts a payload rejected by SchemaRegistry.Validate,
// whether during Publisher.Publish or Consumer.decodeMessage.
func recordSchemaViolation(eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if schemaViolationsTotal == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	schemaViolationsTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

// recordDroppedMessage counts a consumer-group message that was acked and
// discarded rather than handed to a caller, e.g. a missing envelope field or
// a schema violation caught on replay.
func recordDroppedMessage(reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedMessagesTotal == nil {
		return
	}
	droppedMessagesTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

// recordStreamMetrics extracts lightweight counters from envelopes as they
// are published, so a durable-mirror outage never hides basic run health
// from the daemon's own metrics.
func recordStreamMetrics(ctx context.Context, eventType string, payload []byte) {
	switch eventType {
	case EventTypeQuestionEvent:
		streamMetricsOnce.Do(initStreamMetrics)
		if questionEventsTotal == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		kind, _ := doc["kind"].(string)
		attrs := otelmetric.WithAttributes(attribute.String("kind", strings.TrimSpace(kind)))
		questionEventsTotal.Add(contextOrBackground(ctx), 1, attrs)
	case EventTypeRunCompleted:
		streamMetricsOnce.Do(initStreamMetrics)
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		outcome, _ := doc["outcome"].(string)
		attrs := otelmetric.WithAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
		if runCompletedTotal != nil {
			runCompletedTotal.Add(contextOrBackground(ctx), 1, attrs)
		}
		if iterations, ok := doc["iterations"].(float64); ok && questionIterations != nil {
			questionIterations.Record(contextOrBackground(ctx), iterations, attrs)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
