package client

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/metadata"
)

// ParsedStats is a decoded StatsSnapshot. Records whose block failed to
// decode are absent.
type ParsedStats struct {
	// Global is the id 0 record; nil when absent or filtered out.
	Global *metadata.GlobalRecord
	// Hosts maps host id to record; never contains id 0.
	Hosts map[int]*metadata.HostRecord
}

func newParsedStats() *ParsedStats {
	return &ParsedStats{Hosts: make(map[int]*metadata.HostRecord)}
}

// IDs returns the present ids in ascending order; 0 first when the global
// record is present.
func (p *ParsedStats) IDs() []int {
	if p == nil {
		return nil
	}
	ids := make([]int, 0, p.Len())
	if p.Global != nil {
		ids = append(ids, api.GlobalID)
	}
	for id := range p.Hosts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of records.
func (p *ParsedStats) Len() int {
	if p == nil {
		return 0
	}
	n := len(p.Hosts)
	if p.Global != nil {
		n++
	}
	return n
}

// Host returns the record of host id.
func (p *ParsedStats) Host(id int) (*metadata.HostRecord, bool) {
	if p == nil {
		return nil, false
	}
	rec, ok := p.Hosts[id]
	return rec, ok
}

// MarshalJSON renders the id-keyed object {"0": {...}, "1": {...}}.
func (p *ParsedStats) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, p.Len())
	if p != nil {
		if p.Global != nil {
			out[strconv.Itoa(api.GlobalID)] = p.Global
		}
		for id, rec := range p.Hosts {
			out[strconv.Itoa(id)] = rec
		}
	}
	return json.Marshal(out)
}

// GetAllStats fetches every block through a fresh broker connection,
// decodes the records selected by mode and asks the broker whether each
// host is alive.
func (c *HAClient) GetAllStats(ctx context.Context, mode StatMode, timeout time.Duration) (stats *ParsedStats, err error) {
	ctx, span, logger := c.begin(ctx, "get_all_stats", attribute.String("hosted_engine.stat_mode", string(mode)))
	defer func() { end(span, err) }()
	if err := mode.validate(); err != nil {
		return nil, err
	}
	broker, err := c.dial(ctx, timeout)
	if err != nil {
		return nil, err
	}
	raw, err := broker.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	stats = c.parseStats(raw, mode, logger)
	if err := c.checkLiveness(ctx, stats, broker, logger); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("hosted_engine.records", stats.Len()))
	return stats, nil
}

// GetAllStatsDirect reads the blocks from shared storage without the
// broker. Liveness is never determined on this path.
func (c *HAClient) GetAllStatsDirect(ctx context.Context, mode StatMode) (stats *ParsedStats, err error) {
	ctx, span, logger := c.begin(ctx, "get_all_stats_direct", attribute.String("hosted_engine.stat_mode", string(mode)))
	defer func() { end(span, err) }()
	if err := mode.validate(); err != nil {
		return nil, err
	}
	if c.direct == nil {
		return nil, ErrNoDirectStorage
	}
	raw, err := c.direct.RawStats(ctx)
	if err != nil {
		return nil, err
	}
	return c.parseStats(raw, mode, logger), nil
}

// GetAllHostStats is GetAllStats(ctx, StatHost, timeout).
func (c *HAClient) GetAllHostStats(ctx context.Context, timeout time.Duration) (*ParsedStats, error) {
	return c.GetAllStats(ctx, StatHost, timeout)
}

// GetAllHostStatsDirect is GetAllStatsDirect(ctx, StatHost).
func (c *HAClient) GetAllHostStatsDirect(ctx context.Context) (*ParsedStats, error) {
	return c.GetAllStatsDirect(ctx, StatHost)
}

// parseStats decodes the blocks selected by mode. Undecodable blocks are
// logged, reported to the decode hook and left out.
func (c *HAClient) parseStats(raw api.StatsSnapshot, mode StatMode, logger pslog.Logger) *ParsedStats {
	out := newParsedStats()
	ids := make([]int, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		block := raw[id]
		switch {
		case id == api.GlobalID && mode != StatHost:
			rec, err := c.codec.DecodeGlobal(block)
			if err != nil {
				c.dropped(logger, id, err)
				continue
			}
			out.Global = rec
		case id != api.GlobalID && mode != StatGlobal:
			rec, err := c.codec.DecodeHost(id, block)
			if err != nil {
				c.dropped(logger, id, err)
				continue
			}
			out.Hosts[id] = rec
		}
	}
	return out
}

func (c *HAClient) dropped(logger pslog.Logger, id int, err error) {
	logger.Error("client.stats.decode_error", "id", id, "error", err)
	if c.onDecode != nil {
		c.onDecode(id, err)
	}
}

// checkLiveness sets LiveData on every host record from the broker.
func (c *HAClient) checkLiveness(ctx context.Context, stats *ParsedStats, broker Broker, logger pslog.Logger) error {
	for _, id := range stats.IDs() {
		if id == api.GlobalID {
			continue
		}
		alive, err := broker.IsHostAlive(ctx, id)
		if err != nil {
			return err
		}
		stats.Hosts[id].SetLive(alive)
		logger.Debug("client.stats.liveness", "host_id", id, "alive", alive)
	}
	return nil
}
