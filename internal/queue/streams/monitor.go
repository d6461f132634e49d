package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics captures how far a consumer group has fallen behind a stream:
// how many entries are delivered but unacknowledged, how many entries the
// group has yet to read, how many consumers are registered, and how long
// the oldest pending entry has sat idle.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag reports lag metrics for one consumer group on one stream. Lag is
// -1 when the server does not report it (older Redis versions omit the
// field from XINFO GROUPS).
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" {
		return LagMetrics{}, fmt.Errorf("stream is required")
	}
	if group == "" {
		return LagMetrics{}, fmt.Errorf("group is required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	metrics := LagMetrics{Lag: -1}
	found := false
	for _, info := range groups {
		if info.Name != group {
			continue
		}
		metrics.Pending = info.Pending
		metrics.Lag = info.Lag
		metrics.Consumers = int64(info.Consumers)
		found = true
		break
	}
	if !found {
		return LagMetrics{}, fmt.Errorf("consumer group %q not found on stream %q", group, stream)
	}

	if metrics.Pending > 0 {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && err != redis.Nil {
			return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
		}
		if len(entries) > 0 {
			metrics.OldestIdle = entries[0].Idle
		}
	}

	return metrics, nil
}
