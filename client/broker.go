package client

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

// ConfigStore is the host-local configuration.
type ConfigStore interface {
	// Get returns the value of section.key; false when absent.
	Get(section, key string) (string, bool)
	// Set stores value under section.key.
	Set(section, key, value string) error
}

// Broker is the set of broker calls the client makes.
type Broker interface {
	GetStats(ctx context.Context) (api.StatsSnapshot, error)
	PutStats(ctx context.Context, id int, block string) error
	ResetLockspace(ctx context.Context) error
	IsHostAlive(ctx context.Context, hostID int) (bool, error)
}

// StatsReader reads raw stats straight from shared storage, bypassing the
// broker. storage.Backend satisfies it.
type StatsReader interface {
	RawStats(ctx context.Context) (api.StatsSnapshot, error)
}

// BrokerDialer opens a broker connection bounded by timeout (zero means no
// per-call deadline).
type BrokerDialer func(ctx context.Context, timeout time.Duration) (Broker, error)

// BrokerLink is the Broker over the broker's unix socket.
type BrokerLink struct {
	rpc *unixrpc.Client
}

var _ Broker = (*BrokerLink)(nil)

// NewBrokerLink returns a link to the broker listening on socketPath.
func NewBrokerLink(socketPath string, timeout time.Duration, logger pslog.Logger) (*BrokerLink, error) {
	rpc, err := unixrpc.NewClient(socketPath, unixrpc.WithTimeout(timeout), unixrpc.WithClientLogger(logger))
	if err != nil {
		return nil, err
	}
	return &BrokerLink{rpc: rpc}, nil
}

// SocketDialer returns a BrokerDialer that opens a BrokerLink on socketPath.
func SocketDialer(socketPath string, logger pslog.Logger) BrokerDialer {
	return func(_ context.Context, timeout time.Duration) (Broker, error) {
		return NewBrokerLink(socketPath, timeout, logger)
	}
}

// GetStats returns every block known to the broker.
func (b *BrokerLink) GetStats(ctx context.Context) (api.StatsSnapshot, error) {
	var stats api.StatsSnapshot
	if err := b.rpc.Call(ctx, api.MethodGetStats, &stats); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = api.StatsSnapshot{}
	}
	return stats, nil
}

// PutStats overwrites block id on shared storage.
func (b *BrokerLink) PutStats(ctx context.Context, id int, block string) error {
	return b.rpc.Call(ctx, api.MethodPutStats, nil, id, block)
}

// ResetLockspace asks the broker to reinitialise the lockspace.
func (b *BrokerLink) ResetLockspace(ctx context.Context) error {
	return b.rpc.Call(ctx, api.MethodResetLockspace, nil)
}

// IsHostAlive asks the broker whether hostID is updating its block.
func (b *BrokerLink) IsHostAlive(ctx context.Context, hostID int) (bool, error) {
	var alive bool
	if err := b.rpc.Call(ctx, api.MethodIsHostAlive, &alive, hostID); err != nil {
		return false, err
	}
	return alive, nil
}
