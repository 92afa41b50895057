package client

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/metadata"
)

// SetGlobalMDFlag sets one flag of the global record and writes the whole
// record back through the broker. A corrupted global record is replaced by
// one holding only this flag.
//
// The read-modify-write is not atomic: two concurrent writers race and the
// last write wins.
func (c *HAClient) SetGlobalMDFlag(ctx context.Context, flag, value string, timeout time.Duration) (err error) {
	ctx, span, logger := c.begin(ctx, "set_global_md_flag", attribute.String("hosted_engine.flag", flag))
	defer func() { end(span, err) }()

	normalize, ok := c.flags.Lookup(flag)
	if !ok {
		return &ValidationError{Field: "flag", Value: flag, Err: ErrUnknownFlag}
	}
	if normalize != nil {
		nv, nerr := normalize(value)
		if nerr != nil {
			return &ValidationError{Field: flag, Value: value, Err: ErrInvalidValue, Cause: nerr}
		}
		value = nv
	}

	broker, err := c.dial(ctx, timeout)
	if err != nil {
		return err
	}
	raw, err := broker.GetStats(ctx)
	if err != nil {
		return err
	}
	rec := metadata.NewGlobalRecord()
	if block, ok := raw[api.GlobalID]; ok {
		decoded, derr := c.codec.DecodeGlobal(block)
		if derr != nil {
			logger.Warn("client.global_md.corrupted", "error", derr, "action", "correcting")
		} else {
			rec = decoded
		}
	}
	rec.Set(flag, value)
	block, err := c.codec.EncodeGlobal(rec)
	if err != nil {
		return fmt.Errorf("client: encode global record: %w", err)
	}
	if err := broker.PutStats(ctx, api.GlobalID, block); err != nil {
		return err
	}
	logger.Info("client.global_md.set", "flag", flag, "value", value)
	return nil
}

// SetMaintenanceMode turns a maintenance mode on or off. Global maintenance
// lives in the shared global record; the local modes live in this host's
// configuration.
func (c *HAClient) SetMaintenanceMode(ctx context.Context, mode MaintenanceMode, value bool, timeout time.Duration) (err error) {
	ctx, span, logger := c.begin(ctx, "set_maintenance_mode",
		attribute.String("hosted_engine.maintenance_mode", string(mode)),
		attribute.Bool("hosted_engine.maintenance", value))
	defer func() { end(span, err) }()

	formatted := metadata.FormatBool(value)
	switch mode {
	case MaintenanceGlobal:
		return c.SetGlobalMDFlag(ctx, metadata.FlagMaintenance, formatted, timeout)
	case MaintenanceLocal:
		err = c.setLocal(KeyLocalMaintenance, formatted)
	case MaintenanceLocalManual:
		if err = c.setLocal(KeyLocalMaintenanceManual, formatted); err == nil {
			err = c.setLocal(KeyLocalMaintenance, formatted)
		}
	default:
		return &ValidationError{Field: "mode", Value: string(mode), Err: ErrInvalidMode}
	}
	if err != nil {
		return err
	}
	logger.Info("client.maintenance.set", "mode", mode, "value", value)
	return nil
}

func (c *HAClient) setLocal(key, value string) error {
	if err := c.cfg.Set(SectionHA, key, value); err != nil {
		return &ConfigurationError{Section: SectionHA, Key: key, Err: err}
	}
	return nil
}
