// Package broker exposes a storage.Backend over the unixrpc method set the
// HA client expects. It is a thin adapter for running the client against a
// real socket; it does not monitor the engine VM.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/clock"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/correlation"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

// DefaultLivenessWindow is how long a host counts as alive after its block
// last changed.
const DefaultLivenessWindow = 60 * time.Second

// ErrNilBackend is returned by New without a backend.
var ErrNilBackend = errors.New("broker: backend required")

// Service answers broker RPCs from a backend.
type Service struct {
	backend storage.Backend
	clock   clock.Clock
	window  time.Duration
	logger  pslog.Logger

	mu   sync.Mutex
	seen map[int]observation
}

type observation struct {
	block   string
	changed time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for liveness.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLivenessWindow overrides DefaultLivenessWindow.
func WithLivenessWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithLogger supplies the service logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New returns a service over backend.
func New(backend storage.Backend, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	s := &Service{
		backend: backend,
		clock:   clock.Real{},
		window:  DefaultLivenessWindow,
		seen:    make(map[int]observation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "broker.service")
	return s, nil
}

// Register adds the broker methods to reg.
func (s *Service) Register(reg *unixrpc.Registry) error {
	handlers := []struct {
		name string
		fn   unixrpc.HandlerFunc
	}{
		{api.MethodGetStats, s.handleGetStats},
		{api.MethodPutStats, s.handlePutStats},
		{api.MethodResetLockspace, s.handleResetLockspace},
		{api.MethodIsHostAlive, s.handleIsHostAlive},
	}
	for _, h := range handlers {
		if err := reg.Register(h.name, h.fn); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns a fresh registry holding only the broker methods.
func (s *Service) Registry() (*unixrpc.Registry, error) {
	reg := unixrpc.NewRegistry()
	if err := s.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Service) handleGetStats(ctx context.Context, p unixrpc.Params) (any, error) {
	if err := p.Expect(0); err != nil {
		return nil, err
	}
	stats, err := s.backend.RawStats(ctx)
	if err != nil {
		s.logger.Warn("broker.get_stats.error", "request_id", correlation.ID(ctx), "error", err)
		return nil, err
	}
	s.observe(stats, true)
	return stats, nil
}

func (s *Service) handlePutStats(ctx context.Context, p unixrpc.Params) (any, error) {
	if err := p.Expect(2); err != nil {
		return nil, err
	}
	id, err := p.Int(0)
	if err != nil {
		return nil, err
	}
	block, err := p.String(1)
	if err != nil {
		return nil, err
	}
	if err := s.backend.PutStats(ctx, id, block); err != nil {
		s.logger.Warn("broker.put_stats.error", "request_id", correlation.ID(ctx), "id", id, "error", err)
		return nil, err
	}
	s.observe(api.StatsSnapshot{id: block}, false)
	s.logger.Debug("broker.put_stats", "request_id", correlation.ID(ctx), "id", id, "bytes", len(block))
	return nil, nil
}

func (s *Service) handleResetLockspace(ctx context.Context, p unixrpc.Params) (any, error) {
	if err := p.Expect(0); err != nil {
		return nil, err
	}
	if err := s.backend.ResetLockspace(ctx); err != nil {
		s.logger.Error("broker.reset_lockspace.error", "request_id", correlation.ID(ctx), "error", err)
		return nil, err
	}
	s.logger.Info("broker.reset_lockspace", "request_id", correlation.ID(ctx))
	return nil, nil
}

func (s *Service) handleIsHostAlive(ctx context.Context, p unixrpc.Params) (any, error) {
	if err := p.Expect(1); err != nil {
		return nil, err
	}
	id, err := p.Int(0)
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, api.NewFault(api.FaultInvalidParams, "host id must be positive, got %d", id)
	}
	stats, err := s.backend.RawStats(ctx)
	if err != nil {
		return nil, err
	}
	s.observe(stats, true)
	return s.IsAlive(id), nil
}

// IsAlive reports whether host id's block changed within the liveness
// window, as of the last observation.
func (s *Service) IsAlive(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.seen[id]
	if !ok {
		return false
	}
	return s.clock.Now().Sub(obs.changed) <= s.window
}

// observe records a change time for every host block that differs from the
// previous sighting. A host's first sighting counts as a change. A full
// snapshot also forgets hosts whose block disappeared.
func (s *Service) observe(stats api.StatsSnapshot, full bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if full {
		for id := range s.seen {
			if _, ok := stats[id]; !ok {
				delete(s.seen, id)
			}
		}
	}
	for id, block := range stats {
		if id == api.GlobalID {
			continue
		}
		prev, ok := s.seen[id]
		if ok && prev.block == block {
			continue
		}
		if storage.IsEmptyBlock(block) {
			delete(s.seen, id)
			continue
		}
		s.seen[id] = observation{block: block, changed: now}
	}
}
