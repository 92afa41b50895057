package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arachmani/ovirt-hosted-engine-ha/broker"
	"github.com/arachmani/ovirt-hosted-engine-ha/client"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/haconf"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/storefactory"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/memory"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(loggingutil.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type fixture struct {
	config string
	socket string
	store  *memory.Store
}

// newFixture writes a host config and serves a broker over an in-memory
// store.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	for _, key := range []string{"HACTL_CONFIG", "HACTL_SOCKET", "HACTL_STORAGE", "HACTL_TIMEOUT", "HACTL_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	config := filepath.Join(dir, "hosted-engine.yaml")
	if err := os.WriteFile(config, []byte("he_local:\n  host_id: 1\n  configured: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store := memory.New()
	svc, err := broker.New(store)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	reg, err := svc.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	socket := filepath.Join(dir, "broker.socket")
	srv, err := unixrpc.Listen(context.Background(), socket, reg)
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
	return &fixture{config: config, socket: socket, store: store}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--config", f.config, "--socket", f.socket, "--timeout", "5s"}, args...)
	stdout, _, err := executeRootCommand(t, full...)
	return stdout, err
}

func (f *fixture) seed(t *testing.T, blocks map[int]string) {
	t.Helper()
	for id, block := range blocks {
		if err := f.store.PutStats(context.Background(), id, block); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}
}

func TestHostIDCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "host-id")
	if err != nil {
		t.Fatalf("host-id: %v", err)
	}
	if out != "1\n" {
		t.Fatalf("stdout=%q", out)
	}
}

func TestHostIDCommandUnconfigured(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.config, []byte("ha:\n  local_maintenance: \"False\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := f.run(t, "host-id"); !errors.Is(err, client.ErrHostNotConfigured) {
		t.Fatalf("expected ErrHostNotConfigured, got %v", err)
	}
}

func TestStatusCommandJSON(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int]string{
		0: "maintenance=False\n",
		1: "host-id=1\nscore=3400\nstopped=False\n",
		2: "host-id=2\nscore=0\nstopped=True\n",
	})
	out, err := f.run(t, "status", "--output", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.Global["maintenance"] != "False" {
		t.Fatalf("global=%v", view.Global)
	}
	if len(view.Hosts) != 2 || view.Hosts[0].HostID != 1 || view.Hosts[1].HostID != 2 {
		t.Fatalf("hosts=%+v", view.Hosts)
	}
	if view.Hosts[0].Live == nil || !*view.Hosts[0].Live {
		t.Fatalf("host 1 should be reported live: %+v", view.Hosts[0])
	}

	out, err = f.run(t, "status", "--mode", "global")
	if err != nil {
		t.Fatalf("status global: %v", err)
	}
	if !strings.Contains(out, "maintenance: False") || !strings.Contains(out, "no hosts") {
		t.Fatalf("unexpected text output:\n%s", out)
	}
}

func TestStatusCommandDirectYAML(t *testing.T) {
	f := newFixture(t)
	url := "disk://" + filepath.Join(t.TempDir(), "shared")
	backend, err := storefactory.Open(context.Background(), url, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := backend.PutStats(context.Background(), 1, "host-id=1\nscore=2400\nstopped=True\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := f.run(t, "status", "--direct", "--storage", url, "--mode", "host", "-o", "yaml")
	if err != nil {
		t.Fatalf("status --direct: %v", err)
	}
	var view statusView
	if err := yaml.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(view.Hosts) != 1 || view.Hosts[0].Score != 2400 || !view.Hosts[0].Stopped {
		t.Fatalf("hosts=%+v", view.Hosts)
	}
	if view.Hosts[0].Live != nil {
		t.Fatalf("direct status must not report liveness")
	}
}

func TestStatusCommandRejectsBadArguments(t *testing.T) {
	f := newFixture(t)
	if _, err := f.run(t, "status", "--mode", "everything"); !errors.Is(err, client.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if _, err := f.run(t, "status", "--output", "xml"); err == nil {
		t.Fatal("expected unsupported output error")
	}
	if _, err := f.run(t, "status", "--direct"); err == nil {
		t.Fatal("expected error without a storage URL")
	}
}

func TestScoreCommand(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int]string{1: "host-id=1\nscore=3000\nstopped=False\n"})
	out, err := f.run(t, "score")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if out != "3000\n" {
		t.Fatalf("stdout=%q", out)
	}
}

func TestMaintenanceCommand(t *testing.T) {
	f := newFixture(t)
	if _, err := f.run(t, "maintenance", "local_manual", "yes"); err != nil {
		t.Fatalf("local maintenance: %v", err)
	}
	cfg, err := haconf.Open(f.config)
	if err != nil {
		t.Fatalf("reopen config: %v", err)
	}
	for _, key := range []string{haconf.KeyLocalMaintenance, haconf.KeyLocalMaintenanceManual} {
		if v, _ := cfg.Get(haconf.SectionHA, key); v != "True" {
			t.Fatalf("%s=%q", key, v)
		}
	}
	if v, _ := cfg.Get(haconf.SectionEngine, haconf.KeyHostID); v != "1" {
		t.Fatalf("host id lost on rewrite: %q", v)
	}

	out, err := f.run(t, "maintenance", "global", "true")
	if err != nil {
		t.Fatalf("global maintenance: %v", err)
	}
	if out != "GLOBAL maintenance True\n" {
		t.Fatalf("stdout=%q", out)
	}
	stats, err := f.store.RawStats(context.Background())
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if stats[0] != "maintenance=True\n" {
		t.Fatalf("global block=%q", stats[0])
	}

	if _, err := f.run(t, "maintenance", "partial", "true"); !errors.Is(err, client.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if _, err := f.run(t, "maintenance", "global", "perhaps"); err == nil {
		t.Fatal("expected invalid boolean error")
	}
}

func TestSetFlagCommand(t *testing.T) {
	f := newFixture(t)
	if _, err := f.run(t, "set-flag", "colour", "blue"); !errors.Is(err, client.ErrUnknownFlag) {
		t.Fatalf("expected ErrUnknownFlag, got %v", err)
	}
	if _, err := f.run(t, "set-flag", "maintenance", "n"); err != nil {
		t.Fatalf("set-flag: %v", err)
	}
	stats, _ := f.store.RawStats(context.Background())
	if stats[0] != "maintenance=False\n" {
		t.Fatalf("global block=%q", stats[0])
	}
}

func TestResetLockspaceCommand(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[int]string{1: "host-id=1\nscore=3400\nstopped=False\n"})
	if _, err := f.run(t, "reset-lockspace"); !errors.Is(err, client.ErrNotInGlobalMaintenance) {
		t.Fatalf("expected ErrNotInGlobalMaintenance, got %v", err)
	}
	f.seed(t, map[int]string{0: "maintenance=True\n"})
	var safety *client.SafetyCheckError
	if _, err := f.run(t, "reset-lockspace"); !errors.As(err, &safety) || safety.HostID != 1 {
		t.Fatalf("expected active agent on host 1, got %v", err)
	}
	if f.store.Resets() != 0 {
		t.Fatalf("reset issued despite failed checks")
	}
	if _, err := f.run(t, "reset-lockspace", "--force"); err != nil {
		t.Fatalf("forced reset: %v", err)
	}
	if f.store.Resets() != 1 {
		t.Fatalf("resets=%d want 1", f.store.Resets())
	}
}

func TestWriteStatusText(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated := now.Add(-2 * time.Minute)
	live := true
	view := statusView{
		Global: map[string]string{"maintenance": "True"},
		Hosts: []hostView{
			{HostID: 1, Score: 3400, Live: &live, Updated: &updated},
			{HostID: 2, Score: 0, Stopped: true},
		},
	}
	var buf bytes.Buffer
	if err := writeStatus(&buf, view, "text", now); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"maintenance: True", "2 minutes ago", "unknown", "HOST"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
