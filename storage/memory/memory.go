// Package memory provides an in-process storage.Backend.
package memory

import (
	"context"
	"sync"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

// Store keeps blocks in a map. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	blocks map[int]string
	resets int
}

// New returns an empty store.
func New() *Store {
	return &Store{blocks: make(map[int]string)}
}

var _ storage.Backend = (*Store)(nil)

// RawStats returns a copy of every stored block.
func (s *Store) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(api.StatsSnapshot, len(s.blocks))
	for id, block := range s.blocks {
		out[id] = block
	}
	return out, nil
}

// PutStats overwrites the block of id. An empty block clears the slot.
func (s *Store) PutStats(ctx context.Context, id int, block string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateBlock(id, block); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if storage.IsEmptyBlock(block) {
		delete(s.blocks, id)
		return nil
	}
	s.blocks[id] = block
	return nil
}

// ResetLockspace counts the reset; there is no lockspace state to clear.
func (s *Store) ResetLockspace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

// Resets returns how many times the lockspace was reset.
func (s *Store) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
