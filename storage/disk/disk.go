// Package disk stores the shared metadata area in two files under a
// directory, the way a mounted storage domain exposes it: a metadata file of
// fixed-size slots (slot i holds host i, slot 0 the global record) and a
// lockspace file.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

const (
	// MetadataFile is the slot file name inside the directory.
	MetadataFile = "hosted-engine.metadata"
	// LockspaceFile is the lockspace file name inside the directory.
	LockspaceFile = "hosted-engine.lockspace"
	// LockspaceSize is the size the lockspace file is reset to.
	LockspaceSize = 1 << 20
)

// Config controls the disk backend.
type Config struct {
	// Dir holds the metadata and lockspace files. Created if missing.
	Dir    string
	Logger pslog.Logger
}

// Store implements storage.Backend on local (or shared, fcntl-capable)
// files.
type Store struct {
	metadataPath  string
	lockspacePath string
	logger        pslog.Logger

	// fcntl locks are per process; mu serialises goroutines within it.
	mu sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// New prepares the directory and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: directory required")
	}
	dir := filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
	}
	return &Store{
		metadataPath:  filepath.Join(dir, MetadataFile),
		lockspacePath: filepath.Join(dir, LockspaceFile),
		logger:        loggingutil.WithSubsystem(cfg.Logger, "storage.disk"),
	}, nil
}

// RawStats reads every non-empty slot. A missing metadata file yields an
// empty snapshot.
func (s *Store) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.metadataPath, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return api.StatsSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: open metadata: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return nil, fmt.Errorf("disk: lock metadata: %w", err)
	}
	defer unlockFile(f)

	data, err := io.ReadAll(io.LimitReader(f, int64(storage.MaxHostID+1)*storage.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("disk: read metadata: %w", err)
	}
	out := make(api.StatsSnapshot)
	for id := 0; id*storage.BlockSize < len(data); id++ {
		end := min((id+1)*storage.BlockSize, len(data))
		slot := string(data[id*storage.BlockSize : end])
		if storage.IsEmptyBlock(slot) {
			continue
		}
		out[id] = trimPadding(slot)
	}
	s.logger.Trace("storage.disk.raw_stats", "path", s.metadataPath, "blocks", len(out))
	return out, nil
}

// PutStats writes block into slot id, zero-padded to the slot size.
func (s *Store) PutStats(ctx context.Context, id int, block string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateBlock(id, block); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.metadataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open metadata: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("disk: lock metadata: %w", err)
	}
	defer unlockFile(f)

	slot := make([]byte, storage.BlockSize)
	copy(slot, block)
	if _, err := f.WriteAt(slot, int64(id)*storage.BlockSize); err != nil {
		return fmt.Errorf("disk: write slot %d: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("disk: sync metadata: %w", err)
	}
	s.logger.Debug("storage.disk.put_stats", "id", id, "bytes", len(block))
	return nil
}

// ResetLockspace zeroes the lockspace file.
func (s *Store) ResetLockspace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.lockspacePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open lockspace: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("disk: lock lockspace: %w", err)
	}
	defer unlockFile(f)
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("disk: truncate lockspace: %w", err)
	}
	if err := f.Truncate(LockspaceSize); err != nil {
		return fmt.Errorf("disk: size lockspace: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("disk: sync lockspace: %w", err)
	}
	s.logger.Info("storage.disk.lockspace_reset", "path", s.lockspacePath)
	return nil
}

// Close is a no-op; files are opened per operation.
func (s *Store) Close() error { return nil }

func trimPadding(slot string) string {
	for i := len(slot); i > 0; i-- {
		if slot[i-1] != 0 {
			return slot[:i]
		}
	}
	return ""
}
