package unixrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
)

var (
	// ErrDuplicateMethod is returned when a method name is registered twice.
	ErrDuplicateMethod = errors.New("unixrpc: method already registered")
	// ErrInvalidMethod is returned for empty names or nil handlers.
	ErrInvalidMethod = errors.New("unixrpc: invalid method registration")
)

// HandlerFunc serves one method. Returning an *api.Fault selects the fault
// code sent to the caller; any other error is reported as api.FaultApplication.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

// Registry maps method names to handlers. Servers copy the registry when they
// start listening, so later registrations do not affect running servers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, handler HandlerFunc) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("%w: bad method name %q", ErrInvalidMethod, name)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidMethod, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister is like Register but panics on error. Intended for static
// handler tables built at program start.
func (r *Registry) MustRegister(name string, handler HandlerFunc) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Methods lists the registered names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() map[string]HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HandlerFunc, len(r.handlers))
	for name, h := range r.handlers {
		out[name] = h
	}
	return out
}

// Params are the positional arguments of a call, each still JSON encoded.
type Params []json.RawMessage

// Len returns the number of arguments.
func (p Params) Len() int { return len(p) }

// Expect fails with an invalid-params fault unless exactly n arguments were sent.
func (p Params) Expect(n int) error {
	if len(p) != n {
		return api.NewFault(api.FaultInvalidParams, "expected %d params, got %d", n, len(p))
	}
	return nil
}

// Decode unmarshals argument i into v.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return api.NewFault(api.FaultInvalidParams, "missing param %d", i)
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return api.NewFault(api.FaultInvalidParams, "param %d: %v", i, err)
	}
	return nil
}

// Int decodes argument i as an integer.
func (p Params) Int(i int) (int, error) {
	var v int
	err := p.Decode(i, &v)
	return v, err
}

// String decodes argument i as a string.
func (p Params) String(i int) (string, error) {
	var v string
	err := p.Decode(i, &v)
	return v, err
}
