// Package retry wraps a storage.Backend so transient failures are retried
// with exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Sleep waits between attempts. Defaults to a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig is what the CLI uses for remote object stores.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		cfg:    cfg,
	}
}

// Unwrap returns the backend behind a retry wrapper, or b itself.
func Unwrap(b storage.Backend) storage.Backend {
	if rb, ok := b.(*backend); ok {
		return rb.inner
	}
	return b
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	cfg    Config
}

func (b *backend) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	var stats api.StatsSnapshot
	err := b.withRetry(ctx, "raw_stats", -1, func(ctx context.Context) error {
		var err error
		stats, err = b.inner.RawStats(ctx)
		return err
	})
	return stats, err
}

func (b *backend) PutStats(ctx context.Context, id int, block string) error {
	return b.withRetry(ctx, "put_stats", id, func(ctx context.Context) error {
		return b.inner.PutStats(ctx, id, block)
	})
}

func (b *backend) ResetLockspace(ctx context.Context) error {
	return b.withRetry(ctx, "reset_lockspace", -1, func(ctx context.Context) error {
		return b.inner.ResetLockspace(ctx)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op string, id int, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"id", id,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if err := b.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
