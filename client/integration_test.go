package client_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arachmani/ovirt-hosted-engine-ha/broker"
	"github.com/arachmani/ovirt-hosted-engine-ha/client"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/clock"
	"github.com/arachmani/ovirt-hosted-engine-ha/metadata"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/memory"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

type mapConfig map[string]string

func (m mapConfig) Get(section, key string) (string, bool) {
	v, ok := m[section+"."+key]
	return v, ok
}

func (m mapConfig) Set(section, key, value string) error {
	m[section+"."+key] = value
	return nil
}

func startBroker(t *testing.T, store *memory.Store, clk clock.Clock) string {
	t.Helper()
	svc, err := broker.New(store, broker.WithClock(clk))
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	reg, err := svc.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "broker.socket")
	srv, err := unixrpc.Listen(context.Background(), path, reg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return path
}

func TestClientAgainstBroker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	path := startBroker(t, store, clk)

	for id, block := range map[int]string{
		1: "host-id=1\nscore=3400\nstopped=True\n",
		2: "host-id=2\nscore=2400\nstopped=True\n",
	} {
		if err := store.PutStats(ctx, id, block); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}
	cfg := mapConfig{"he_local.host_id": "1", "he_local.configured": "true"}
	cli, err := client.New(cfg, client.WithSocketPath(path), client.WithStatsReader(store))
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	stats, err := cli.GetAllStats(ctx, client.StatAll, 5*time.Second)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Global != nil || stats.Len() != 2 {
		t.Fatalf("unexpected stats %v", stats.IDs())
	}
	if !stats.Hosts[1].Alive() || !stats.Hosts[2].Alive() {
		t.Fatalf("freshly seen hosts should be alive")
	}
	if score, err := cli.LocalHostScore(ctx, 5*time.Second); err != nil || score != 3400 {
		t.Fatalf("score=%d,%v", score, err)
	}

	err = cli.ResetLockspace(ctx, false, 5*time.Second)
	if !errors.Is(err, client.ErrNotInGlobalMaintenance) {
		t.Fatalf("expected ErrNotInGlobalMaintenance, got %v", err)
	}
	if err := cli.SetMaintenanceMode(ctx, client.MaintenanceGlobal, true, 5*time.Second); err != nil {
		t.Fatalf("global maintenance: %v", err)
	}
	direct, err := cli.GetAllStatsDirect(ctx, client.StatGlobal)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if !direct.Global.Maintenance() {
		t.Fatalf("maintenance flag not stored: %v", direct.Global.Flags)
	}
	if v, _ := direct.Global.Get(metadata.FlagMaintenance); v != "True" {
		t.Fatalf("maintenance=%q", v)
	}
	if err := cli.ResetLockspace(ctx, false, 5*time.Second); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if store.Resets() != 1 {
		t.Fatalf("resets=%d want 1", store.Resets())
	}

	clk.Advance(10 * time.Minute)
	if score, err := cli.LocalHostScore(ctx, 5*time.Second); err != nil || score != 0 {
		t.Fatalf("stale host score=%d,%v want 0", score, err)
	}
}
