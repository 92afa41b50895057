package disk

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sd")
	store, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, dir
}

func TestRawStatsWithoutMetadataFile(t *testing.T) {
	store, _ := newStore(t)
	stats, err := store.RawStats(context.Background())
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected empty snapshot, got %v", stats)
	}
}

func TestPutStatsUsesFixedSlots(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	if err := store.PutStats(ctx, 3, "host-id=3\nscore=3400\n"); err != nil {
		t.Fatalf("put host 3: %v", err)
	}
	if err := store.PutStats(ctx, 0, "maintenance=True\n"); err != nil {
		t.Fatalf("put global: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		t.Fatalf("read metadata file: %v", err)
	}
	if len(data) != 4*storage.BlockSize {
		t.Fatalf("metadata file size %d want %d", len(data), 4*storage.BlockSize)
	}
	if !bytes.HasPrefix(data[3*storage.BlockSize:], []byte("host-id=3\n")) {
		t.Fatalf("slot 3 not at offset %d", 3*storage.BlockSize)
	}
	stats, err := store.RawStats(ctx)
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 blocks, got %v", stats)
	}
	if stats[3] != "host-id=3\nscore=3400\n" || stats[0] != "maintenance=True\n" {
		t.Fatalf("unexpected blocks %q", stats)
	}

	if err := store.PutStats(ctx, 3, "host-id=3\nscore=0\n"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	stats, _ = store.RawStats(ctx)
	if stats[3] != "host-id=3\nscore=0\n" {
		t.Fatalf("shorter block left stale bytes: %q", stats[3])
	}
}

func TestPutStatsValidates(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	if err := store.PutStats(ctx, storage.MaxHostID+1, "x"); !errors.Is(err, storage.ErrInvalidHostID) {
		t.Fatalf("expected ErrInvalidHostID, got %v", err)
	}
	if err := store.PutStats(ctx, 1, strings.Repeat("x", storage.BlockSize+1)); !errors.Is(err, storage.ErrBlockTooLarge) {
		t.Fatalf("expected ErrBlockTooLarge, got %v", err)
	}
}

func TestResetLockspaceZeroesFile(t *testing.T) {
	store, dir := newStore(t)
	path := filepath.Join(dir, LockspaceFile)
	if err := os.WriteFile(path, []byte("delta-lease-of-host-1"), 0o644); err != nil {
		t.Fatalf("seed lockspace: %v", err)
	}
	if err := store.ResetLockspace(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lockspace: %v", err)
	}
	if len(data) != LockspaceSize {
		t.Fatalf("lockspace size %d want %d", len(data), LockspaceSize)
	}
	if bytes.IndexFunc(data, func(r rune) bool { return r != 0 }) != -1 {
		t.Fatal("lockspace not zeroed")
	}
}

func TestConcurrentWritersKeepSlotsIntact(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for id := 1; id <= 8; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				block := "host-id=" + string(rune('0'+id)) + "\nscore=1\n"
				if err := store.PutStats(ctx, id, block); err != nil {
					t.Errorf("put %d: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	stats, err := store.RawStats(ctx)
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if len(stats) != 8 {
		t.Fatalf("expected 8 blocks, got %d", len(stats))
	}
	for id, block := range stats {
		if !strings.HasPrefix(block, "host-id="+string(rune('0'+id))) {
			t.Fatalf("slot %d holds %q", id, block)
		}
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
