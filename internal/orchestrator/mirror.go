package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/toolmind/agent/config"
	"github.com/toolmind/agent/internal/agent"
	"github.com/toolmind/agent/internal/queue/streams"
)

// Mirror best-effort publishes a question's events onto a Redis Stream so a
// reconnecting client or REST poller can replay recent history after a
// disconnect. Publishing never blocks or reorders the primary in-process
// channel: every publish is fire-and-forget from the orchestrator's
// perspective, logged on failure and otherwise ignored. The mirror also
// owns a consumer group over the same stream so a polling client (or a
// client that dropped an SSE connection) can catch up on events it missed,
// and exposes that group's lag for operational monitoring.
type Mirror struct {
	client    *redis.Client
	publisher *streams.Publisher
	consumer  *streams.Consumer
	stream    string
	group     string
	maxLen    int64
	logger    *log.Logger
}

// NewMirror builds a Mirror from the daemon's Redis config, or returns nil,
// nil if the mirror is disabled. It best-effort provisions the replay
// consumer group so Poll/LagMetrics work immediately; failure to do so
// (e.g. Redis not reachable yet at startup) is logged, not fatal, since
// publishing and the primary in-process stream do not depend on it.
func NewMirror(ctx context.Context, cfg config.RedisConfig) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "[SO] ", log.LstdFlags)
	consumer := streams.NewConsumer(client, registry, cfg.ReplayGroup, "mirror-replay")
	if err := streams.EnsureGroup(ctx, client, cfg.Stream, cfg.ReplayGroup); err != nil {
		logger.Printf("mirror: ensure replay group %q on stream %q failed: %v", cfg.ReplayGroup, cfg.Stream, err)
	}
	return &Mirror{
		client:    client,
		publisher: streams.NewPublisher(client, registry),
		consumer:  consumer,
		stream:    cfg.Stream,
		group:     cfg.ReplayGroup,
		maxLen:    cfg.MaxLen,
		logger:    logger,
	}, nil
}

// Close releases the Mirror's Redis connection. Safe to call on a nil
// Mirror, matching the "disabled mirror is nil" convention used throughout.
func (m *Mirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *Mirror) publish(ctx context.Context, runID, eventType string, payload map[string]any) {
	if _, err := m.publisher.PublishRaw(ctx, m.stream, eventType, "v1", payload, streams.WithMaxLenApprox(m.maxLen)); err != nil {
		m.logger.Printf("mirror publish %s for run %s failed: %v", eventType, runID, err)
	}
}

func (m *Mirror) publishEvent(ctx context.Context, runID string, ev agent.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		m.logger.Printf("mirror marshal event for run %s failed: %v", runID, err)
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}
	doc["run_id"] = runID
	m.publish(ctx, runID, streams.EventTypeQuestionEvent, doc)
}

// PolledEvent pairs a mirrored agent.Event with the run it belongs to, for
// callers polling the mirror rather than holding an SSE/WebSocket connection.
type PolledEvent struct {
	RunID string      `json:"run_id"`
	Event agent.Event `json:"event"`
}

// Poll reads up to limit undelivered entries for the mirror's replay
// consumer group and acknowledges them once decoded, so a REST client that
// prefers polling (or a stream client resuming after a disconnect) can
// drain events it hasn't seen yet. It returns an empty slice, not an error,
// when the mirror is disabled or nothing new has arrived.
func (m *Mirror) Poll(ctx context.Context, limit int) ([]PolledEvent, error) {
	if m == nil || m.consumer == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	msgs, err := m.consumer.Read(ctx, m.stream, streams.WithCount(int64(limit)))
	if err != nil {
		return nil, err
	}

	out := make([]PolledEvent, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		if msg.Envelope.EventType != streams.EventTypeQuestionEvent {
			continue
		}
		var doc struct {
			agent.Event
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(msg.Envelope.Data, &doc); err != nil {
			continue
		}
		out = append(out, PolledEvent{RunID: doc.RunID, Event: doc.Event})
	}
	if len(ids) > 0 {
		if err := m.consumer.Ack(ctx, m.stream, ids...); err != nil {
			m.logger.Printf("mirror poll: ack failed: %v", err)
		}
	}
	return out, nil
}

// LagMetrics reports how far the replay consumer group has fallen behind
// the mirror stream, for an operator-facing health/monitoring endpoint.
func (m *Mirror) LagMetrics(ctx context.Context) (streams.LagMetrics, error) {
	if m == nil || m.client == nil {
		return streams.LagMetrics{}, fmt.Errorf("stream mirror is not enabled")
	}
	return streams.GroupLag(ctx, m.client, m.stream, m.group)
}
