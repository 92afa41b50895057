package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.PutStats(ctx, 0, "maintenance=True\n"); err != nil {
		t.Fatalf("put global: %v", err)
	}
	if err := store.PutStats(ctx, 2, "host-id=2\nscore=10\n"); err != nil {
		t.Fatalf("put host: %v", err)
	}
	stats, err := store.RawStats(ctx)
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if len(stats) != 2 || stats[2] != "host-id=2\nscore=10\n" {
		t.Fatalf("unexpected stats %v", stats)
	}
	stats[2] = "mutated"
	again, _ := store.RawStats(ctx)
	if again[2] == "mutated" {
		t.Fatal("RawStats returned internal map")
	}
	if err := store.PutStats(ctx, 2, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	again, _ = store.RawStats(ctx)
	if _, ok := again[2]; ok {
		t.Fatal("empty block should clear slot")
	}
	if err := store.PutStats(ctx, -1, "x"); !errors.Is(err, storage.ErrInvalidHostID) {
		t.Fatalf("expected ErrInvalidHostID, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.ResetLockspace(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	if store.Resets() != 2 {
		t.Fatalf("resets=%d", store.Resets())
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().RawStats(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
