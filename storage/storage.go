// Package storage defines the direct-storage view of the shared metadata
// area: one encoded block per host id (0 is the global record) plus the
// lockspace that guards host ids.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
)

const (
	// BlockSize is the size of one metadata slot. Encoded blocks must fit.
	BlockSize = 4096
	// MaxHostID is the largest host id a slot exists for.
	MaxHostID = 250
)

var (
	// ErrInvalidHostID is returned for ids outside [0, MaxHostID].
	ErrInvalidHostID = errors.New("storage: invalid host id")
	// ErrBlockTooLarge is returned for blocks that do not fit one slot.
	ErrBlockTooLarge = errors.New("storage: block exceeds slot size")
)

// Backend reads and writes the shared metadata area.
type Backend interface {
	// RawStats returns every non-empty block keyed by id.
	RawStats(ctx context.Context) (api.StatsSnapshot, error)
	// PutStats overwrites the block of id.
	PutStats(ctx context.Context, id int, block string) error
	// ResetLockspace reinitialises the lockspace area.
	ResetLockspace(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// ValidateBlock checks that block may be stored under id.
func ValidateBlock(id int, block string) error {
	if id < 0 || id > MaxHostID {
		return fmt.Errorf("%w: %d", ErrInvalidHostID, id)
	}
	if len(block) > BlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(block))
	}
	return nil
}

// IsEmptyBlock reports whether a slot holds nothing but padding.
func IsEmptyBlock(block string) bool {
	return strings.TrimRight(block, "\x00") == ""
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable or is a network
// timeout.
func IsTransient(err error) bool {
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryableStatus reports whether an object store answered with a status
// worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
