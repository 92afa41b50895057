package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// LocalHostScore returns the score this host published, or 0 when the
// broker does not consider it alive. A missing or undecodable record also
// yields 0.
func (c *HAClient) LocalHostScore(ctx context.Context, timeout time.Duration) (score int, err error) {
	ctx, span, logger := c.begin(ctx, "local_host_score")
	defer func() { end(span, err) }()

	id, err := c.LocalHostID()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("hosted_engine.host_id", id))
	broker, err := c.dial(ctx, timeout)
	if err != nil {
		return 0, err
	}
	raw, err := broker.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	block, ok := raw[id]
	if !ok {
		logger.Debug("client.score.no_record", "host_id", id)
		return 0, nil
	}
	rec, err := c.codec.DecodeHost(id, block)
	if err != nil {
		logger.Error("client.stats.decode_error", "id", id, "error", err)
		if c.onDecode != nil {
			c.onDecode(id, err)
		}
		return 0, nil
	}
	alive, err := broker.IsHostAlive(ctx, id)
	if err != nil {
		return 0, err
	}
	if !alive {
		logger.Debug("client.score.not_alive", "host_id", id)
		return 0, nil
	}
	return rec.Score, nil
}
