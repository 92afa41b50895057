package api

import (
	"encoding/json"
	"fmt"
)

// RPCPath is the request path served by the broker socket.
const RPCPath = "/RPC2"

// ContentTypeJSON is the media type of request and response bodies.
const ContentTypeJSON = "application/json"

// HeaderRequestID carries the caller-generated request identifier.
const HeaderRequestID = "X-Request-ID"

// Broker method names.
const (
	// MethodGetStats returns the raw StatsSnapshot of every host plus the global record.
	MethodGetStats = "get_stats"
	// MethodPutStats overwrites one metadata block: params (host_id int, block string).
	MethodPutStats = "put_stats_on_storage"
	// MethodResetLockspace reinitialises the shared lockspace.
	MethodResetLockspace = "reset_lockspace"
	// MethodIsHostAlive reports host liveness: params (host_id int), result bool.
	MethodIsHostAlive = "is_host_alive"
)

// Fault codes.
const (
	// FaultApplication is returned when a handler fails without choosing a code.
	FaultApplication = 1
	// FaultParse marks a request body that could not be decoded.
	FaultParse = -32700
	// FaultMethodNotFound marks a method name missing from the registry.
	FaultMethodNotFound = -32601
	// FaultInvalidParams marks positional arguments of the wrong count or type.
	FaultInvalidParams = -32602
)

// Request is one remote procedure call.
type Request struct {
	// Method is the registered handler name.
	Method string `json:"method"`
	// Params holds the positional arguments, each encoded independently.
	Params []json.RawMessage `json:"params"`
}

// Response carries either a result or a fault, never both.
type Response struct {
	// Result is the handler return value; JSON null for handlers returning nothing.
	Result json.RawMessage `json:"result,omitempty"`
	// Fault describes why the call failed.
	Fault *Fault `json:"fault,omitempty"`
}

// Fault is a remote failure reported by the server.
type Fault struct {
	// Code classifies the failure (see the Fault* constants).
	Code int `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("rpc fault %d: %s", f.Code, f.Message)
}

// NewFault builds a Fault with a formatted message.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatsSnapshot maps a host id to its encoded metadata block. Id 0 holds the
// global record and never denotes a host.
type StatsSnapshot map[int]string

// GlobalID is the snapshot id reserved for the global record.
const GlobalID = 0
