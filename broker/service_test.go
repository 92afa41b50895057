package broker

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/clock"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/memory"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

type harness struct {
	store  *memory.Store
	clock  *clock.Manual
	svc    *Service
	client *unixrpc.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	svc, err := New(store, WithClock(clk), WithLivenessWindow(time.Minute))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	reg, err := svc.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "broker.sock")
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
	cli, err := unixrpc.NewClient(path, unixrpc.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &harness{store: store, clock: clk, svc: svc, client: cli}
}

func (h *harness) alive(t *testing.T, id int) bool {
	t.Helper()
	var alive bool
	if err := h.client.Call(context.Background(), api.MethodIsHostAlive, &alive, id); err != nil {
		t.Fatalf("is_host_alive(%d): %v", id, err)
	}
	return alive
}

func TestRegisterExposesBrokerMethods(t *testing.T) {
	svc, err := New(memory.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reg := unixrpc.NewRegistry()
	if err := svc.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	want := []string{api.MethodGetStats, api.MethodIsHostAlive, api.MethodPutStats, api.MethodResetLockspace}
	if got := reg.Methods(); !slices.Equal(got, want) {
		t.Fatalf("methods=%v want %v", got, want)
	}
	if err := svc.Register(reg); !errors.Is(err, unixrpc.ErrDuplicateMethod) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if _, err := New(nil); !errors.Is(err, ErrNilBackend) {
		t.Fatalf("expected ErrNilBackend, got %v", err)
	}
}

func TestPutAndGetStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.client.Call(ctx, api.MethodPutStats, nil, 0, "maintenance=True\n"); err != nil {
		t.Fatalf("put global: %v", err)
	}
	if err := h.client.Call(ctx, api.MethodPutStats, nil, 1, "host-id=1\nscore=3400\n"); err != nil {
		t.Fatalf("put host: %v", err)
	}
	var stats api.StatsSnapshot
	if err := h.client.Call(ctx, api.MethodGetStats, &stats); err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if len(stats) != 2 || stats[0] != "maintenance=True\n" || stats[1] != "host-id=1\nscore=3400\n" {
		t.Fatalf("unexpected stats %q", stats)
	}
}

func TestPutStatsRejectsBadParams(t *testing.T) {
	h := newHarness(t)
	err := h.client.Call(context.Background(), api.MethodPutStats, nil, "one", "block")
	var fault *api.Fault
	if !errors.As(err, &fault) || fault.Code != api.FaultInvalidParams {
		t.Fatalf("expected invalid params fault, got %v", err)
	}
	err = h.client.Call(context.Background(), api.MethodPutStats, nil, -4, "block")
	if !errors.As(err, &fault) || fault.Code != api.FaultApplication {
		t.Fatalf("expected application fault for bad id, got %v", err)
	}
	err = h.client.Call(context.Background(), api.MethodIsHostAlive, nil, 0)
	if !errors.As(err, &fault) || fault.Code != api.FaultInvalidParams {
		t.Fatalf("expected invalid params for host 0, got %v", err)
	}
}

func TestLivenessFollowsBlockChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if h.alive(t, 1) {
		t.Fatal("unknown host reported alive")
	}
	if err := h.store.PutStats(ctx, 1, "host-id=1\nscore=3400\ntimestamp=1\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !h.alive(t, 1) {
		t.Fatal("host alive on first sighting")
	}
	h.clock.Advance(59 * time.Second)
	if !h.alive(t, 1) {
		t.Fatal("host should still be alive inside window")
	}
	h.clock.Advance(2 * time.Second)
	if h.alive(t, 1) {
		t.Fatal("unchanged block past window must be dead")
	}
	if err := h.store.PutStats(ctx, 1, "host-id=1\nscore=3400\ntimestamp=2\n"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !h.alive(t, 1) {
		t.Fatal("updated block must revive host")
	}
	if err := h.store.PutStats(ctx, 1, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if h.alive(t, 1) {
		t.Fatal("host without block must not be alive")
	}
}

func TestPutStatsThroughBrokerCountsAsUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.client.Call(ctx, api.MethodPutStats, nil, 2, "host-id=2\nscore=1\n"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !h.svc.IsAlive(2) {
		t.Fatal("put through broker should mark host alive")
	}
	h.clock.Advance(2 * time.Minute)
	if h.svc.IsAlive(2) {
		t.Fatal("stale host alive")
	}
}

func TestResetLockspace(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Call(context.Background(), api.MethodResetLockspace, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if h.store.Resets() != 1 {
		t.Fatalf("resets=%d want 1", h.store.Resets())
	}
	err := h.client.Call(context.Background(), api.MethodResetLockspace, nil, true)
	var fault *api.Fault
	if !errors.As(err, &fault) || fault.Code != api.FaultInvalidParams {
		t.Fatalf("expected invalid params for extra argument, got %v", err)
	}
	if h.store.Resets() != 1 {
		t.Fatalf("rejected call must not reset; resets=%d", h.store.Resets())
	}
}
