package unixrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/correlation"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/version"
)

// ErrTimeout matches transport errors caused by an expired socket deadline or
// context deadline.
var ErrTimeout = errors.New("unixrpc: timeout")

// TransportError reports a failure to deliver a call or to read its answer.
type TransportError struct {
	// Op is the failed step: "dial", "call" or "decode".
	Op string
	// Method is the RPC method being called.
	Method string
	// Timeout is set when the failure was caused by a deadline.
	Timeout bool
	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("unixrpc: %s %s: timeout: %v", e.Op, e.Method, e.Err)
	}
	return fmt.Sprintf("unixrpc: %s %s: %v", e.Op, e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) succeed for deadline failures.
func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// Client calls methods on a Server listening on a unix-domain socket.
type Client struct {
	socketPath string
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     pslog.Logger
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	Timeout   time.Duration
	Logger    pslog.Logger
	Transport func(http.RoundTripper) http.RoundTripper
}

// WithTimeout bounds connect, write and read of every call. Zero means no
// deadline beyond the caller's context.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.Timeout = d
	}
}

// WithClientLogger supplies the client logger.
func WithClientLogger(l pslog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.Logger = l
	}
}

// WithRoundTripper wraps the socket transport, e.g. to add instrumentation.
// The default wraps it with otelhttp.
func WithRoundTripper(wrap func(http.RoundTripper) http.RoundTripper) ClientOption {
	return func(o *clientOptions) {
		o.Transport = wrap
	}
}

// NewClient builds a client for the server at socketPath. No connection is
// opened until the first Call.
func NewClient(socketPath string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(socketPath) == "" {
		return nil, fmt.Errorf("unixrpc: socket path required")
	}
	o := clientOptions{
		Transport: func(rt http.RoundTripper) http.RoundTripper {
			return otelhttp.NewTransport(rt)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		socketPath: socketPath,
		endpoint:   "http://" + EncodeAddress(socketPath) + api.RPCPath,
		timeout:    o.Timeout,
		logger:     loggingutil.WithSubsystem(o.Logger, "unixrpc.client"),
		userAgent:  version.UserAgent(),
	}
	transport := &http.Transport{
		DialContext:       c.dialContext,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
	}
	var rt http.RoundTripper = transport
	if o.Transport != nil {
		rt = o.Transport(transport)
	}
	c.httpClient = &http.Client{Transport: rt}
	return c, nil
}

// SocketPath returns the socket the client talks to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// dialContext resolves the encoded host token back into the socket path and
// applies the call timeout to the connected socket.
func (c *Client) dialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	path, err := DecodeAddress(host)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Call invokes method with the positional args and decodes the result into
// reply (which may be nil to discard it). Remote failures are returned as
// *api.Fault, everything else as *TransportError. The correlation id on ctx,
// or a fresh one, is sent as the request id.
//
// The result travels as JSON, so it only comes back exactly as the handler
// returned it when reply is a pointer to a matching concrete type. Decoding
// into *any yields JSON's generic shapes (numbers become float64).
func (c *Client) Call(ctx context.Context, method string, reply any, args ...any) error {
	ctx, requestID := correlation.Ensure(ctx)
	params := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("unixrpc: encode param %d of %s: %w", i, method, err)
		}
		params = append(params, raw)
	}
	body, err := json.Marshal(api.Request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("unixrpc: encode request %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unixrpc: build request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", api.ContentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(api.HeaderRequestID, requestID)

	start := time.Now()
	c.logger.Trace("unixrpc.client.call.begin", "method", method, "request_id", requestID, "socket", c.socketPath)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError("call", method, requestID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c.transportError("call", method, requestID,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	var envelope api.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return c.transportError("decode", method, requestID, err)
	}
	if envelope.Fault != nil {
		c.logger.Debug("unixrpc.client.call.fault", "method", method, "request_id", requestID, "code", envelope.Fault.Code, "message", envelope.Fault.Message)
		return envelope.Fault
	}
	if reply != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, reply); err != nil {
			return c.transportError("decode", method, requestID, err)
		}
	}
	c.logger.Trace("unixrpc.client.call.success", "method", method, "request_id", requestID, "elapsed", time.Since(start))
	return nil
}

func (c *Client) transportError(op, method, requestID string, err error) error {
	te := &TransportError{Op: op, Method: method, Timeout: isTimeout(err), Err: err}
	c.logger.Debug("unixrpc.client.call.error", "op", op, "method", method, "request_id", requestID, "timeout", te.Timeout, "error", err)
	return te
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(interface{ Timeout() bool }); ok && t.Timeout() {
			return true
		}
	}
	return false
}
