package client

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
)

// ResetLockspace reinitialises the shared lockspace. Unless force is set the
// reset requires global maintenance and every known host agent stopped;
// otherwise a *SafetyCheckError is returned and nothing is reset.
//
// A host that is not configured for hosted engine is left alone: the
// problem is logged and nil returned.
func (c *HAClient) ResetLockspace(ctx context.Context, force bool, timeout time.Duration) (err error) {
	ctx, span, logger := c.begin(ctx, "reset_lockspace", attribute.Bool("hosted_engine.force", force))
	defer func() { end(span, err) }()

	if !c.configured(logger) {
		return nil
	}
	broker, err := c.dial(ctx, timeout)
	if err != nil {
		return err
	}
	raw, err := broker.GetStats(ctx)
	if err != nil {
		return err
	}
	stats := c.parseStats(raw, StatAll, logger)
	if err := c.checkLiveness(ctx, stats, broker, logger); err != nil {
		logger.Warn("client.lockspace.liveness_failed", "error", err)
		stats = newParsedStats()
	}

	if !force {
		if !stats.Global.Maintenance() {
			return &SafetyCheckError{Err: ErrNotInGlobalMaintenance}
		}
		for _, id := range stats.IDs() {
			if id == api.GlobalID {
				continue
			}
			if !stats.Hosts[id].Stopped {
				return &SafetyCheckError{HostID: id, Err: ErrActiveAgent}
			}
		}
	}
	if err := broker.ResetLockspace(ctx); err != nil {
		return err
	}
	logger.Info("client.lockspace.reset", "force", force, "hosts", len(stats.Hosts))
	return nil
}

// configured reports whether this host may touch the lockspace: it needs a
// host id and must not be explicitly marked unconfigured. In strict mode an
// absent configured flag also counts as unconfigured.
func (c *HAClient) configured(logger pslog.Logger) bool {
	if _, err := c.LocalHostID(); err != nil {
		logger.Error("client.lockspace.not_configured", "error", err)
		return false
	}
	v, ok := c.cfg.Get(SectionEngine, KeyConfigured)
	if !ok {
		if c.strict {
			logger.Error("client.lockspace.not_configured", "key", SectionEngine+"."+KeyConfigured, "reason", "missing")
			return false
		}
		return true
	}
	if !strings.EqualFold(strings.TrimSpace(v), "true") {
		logger.Error("client.lockspace.not_configured", "key", SectionEngine+"."+KeyConfigured, "value", v)
		return false
	}
	return true
}
