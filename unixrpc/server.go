package unixrpc

import (
	"bufio"
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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/correlation"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
)

const (
	// DefaultIODeadline bounds how long one connection may take to deliver its
	// request and receive the response.
	DefaultIODeadline = 30 * time.Second
	// DefaultMaxRequestBytes caps the size of a decoded request body.
	DefaultMaxRequestBytes = 8 << 20

	staleProbeTimeout = time.Second
)

var (
	// ErrAddressInUse is returned by Listen when the socket path is owned by a
	// live server or by something that is not a socket.
	ErrAddressInUse = errors.New("unixrpc: socket address already in use")
	// ErrNilRegistry is returned by Listen without a handler registry.
	ErrNilRegistry = errors.New("unixrpc: registry required")
)

// Server answers RPC requests on a unix-domain socket, one connection at a
// time.
type Server struct {
	path       string
	handlers   map[string]HandlerFunc
	listener   net.Listener
	logger     pslog.Logger
	metrics    *serverMetrics
	ioDeadline time.Duration
	maxBody    int64

	mu     sync.Mutex
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	Logger          pslog.Logger
	Registerer      prometheus.Registerer
	IODeadline      time.Duration
	MaxRequestBytes int64
}

// WithServerLogger supplies the server logger.
func WithServerLogger(l pslog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.Logger = l
	}
}

// WithRegisterer registers the server request metrics on reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(o *serverOptions) {
		o.Registerer = reg
	}
}

// WithIODeadline overrides DefaultIODeadline; zero disables the deadline.
func WithIODeadline(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.IODeadline = d
	}
}

// WithMaxRequestBytes overrides DefaultMaxRequestBytes.
func WithMaxRequestBytes(n int64) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.MaxRequestBytes = n
		}
	}
}

// Listen binds path and returns a server ready to Serve. The registry is
// copied; handlers registered afterwards are not visible to this server.
func Listen(ctx context.Context, path string, registry *Registry, opts ...ServerOption) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("unixrpc: socket path required")
	}
	if registry == nil {
		return nil, ErrNilRegistry
	}
	o := serverOptions{
		IODeadline:      DefaultIODeadline,
		MaxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.WithSubsystem(o.Logger, "unixrpc.server")
	metrics, err := newServerMetrics(o.Registerer)
	if err != nil {
		return nil, fmt.Errorf("unixrpc: register metrics: %w", err)
	}
	if err := removeStaleSocket(ctx, path, logger); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen (unix %s): %w", path, err)
	}
	handlers := registry.snapshot()
	logger.Info("unixrpc.server.listening", "path", path, "methods", len(handlers))
	return &Server{
		path:       path,
		handlers:   handlers,
		listener:   ln,
		logger:     logger,
		metrics:    metrics,
		ioDeadline: o.IODeadline,
		maxBody:    o.MaxRequestBytes,
	}, nil
}

// removeStaleSocket deletes a socket file nobody is listening on. A live
// socket, or a path that is not a socket, is reported as ErrAddressInUse.
func removeStaleSocket(ctx context.Context, path string, logger pslog.Logger) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unixrpc: stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrAddressInUse, path)
	}
	dialer := net.Dialer{Timeout: staleProbeTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	if !isStaleSocketError(err) {
		return fmt.Errorf("unixrpc: probe socket %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale unix socket: %w", err)
	}
	logger.Info("unixrpc.server.stale_socket_removed", "path", path)
	return nil
}

// Path returns the socket path the server is bound to.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until the server is closed or ctx ends. Each
// connection carries one request, which is fully answered before the next
// connection is accepted. Serve returns nil after Close.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("unixrpc.server.accept_timeout", "error", err)
				continue
			}
			return fmt.Errorf("unixrpc: accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	s.logger.Info("unixrpc.server.closed", "path", s.path)
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	if s.ioDeadline > 0 {
		_ = conn.SetDeadline(start.Add(s.ioDeadline))
	}
	httpReq, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("unixrpc.server.read_error", "error", err)
		}
		s.metrics.observe("", outcomeMalformed, time.Since(start))
		return
	}
	defer httpReq.Body.Close()
	requestID := httpReq.Header.Get(api.HeaderRequestID)
	if httpReq.Method != http.MethodPost {
		s.writeStatus(conn, httpReq, http.StatusMethodNotAllowed, "POST required")
		s.metrics.observe("", outcomeMalformed, time.Since(start))
		return
	}
	if httpReq.URL.Path != api.RPCPath {
		s.writeStatus(conn, httpReq, http.StatusNotFound, "unknown path "+httpReq.URL.Path)
		s.metrics.observe("", outcomeMalformed, time.Since(start))
		return
	}

	method, resp := s.dispatch(correlation.With(ctx, requestID), io.LimitReader(httpReq.Body, s.maxBody))
	body, err := json.Marshal(resp)
	if err != nil {
		resp = api.Response{Fault: api.NewFault(api.FaultApplication, "encode response: %v", err)}
		body, _ = json.Marshal(resp)
	}
	if err := writeHTTP(conn, httpReq, http.StatusOK, api.ContentTypeJSON, body); err != nil {
		s.logger.Warn("unixrpc.server.write_error", "method", method, "request_id", requestID, "error", err)
	}
	elapsed := time.Since(start)
	outcome := outcomeOK
	if resp.Fault != nil {
		outcome = outcomeFault
		s.logger.Debug("unixrpc.server.fault", "method", method, "request_id", requestID, "code", resp.Fault.Code, "message", resp.Fault.Message, "elapsed", elapsed)
	} else {
		s.logger.Trace("unixrpc.server.request", "method", method, "request_id", requestID, "elapsed", elapsed)
	}
	if _, known := s.handlers[method]; !known {
		method = ""
	}
	s.metrics.observe(method, outcome, elapsed)
}

// dispatch decodes one request and runs its handler. The returned method name
// is empty when the request could not be decoded.
func (s *Server) dispatch(ctx context.Context, body io.Reader) (string, api.Response) {
	var req api.Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return "", api.Response{Fault: api.NewFault(api.FaultParse, "decode request: %v", err)}
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		return req.Method, api.Response{Fault: api.NewFault(api.FaultMethodNotFound, "method %q is not supported", req.Method)}
	}
	result, err := invoke(ctx, handler, Params(req.Params))
	if err != nil {
		var fault *api.Fault
		if errors.As(err, &fault) {
			return req.Method, api.Response{Fault: fault}
		}
		return req.Method, api.Response{Fault: &api.Fault{Code: api.FaultApplication, Message: err.Error()}}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return req.Method, api.Response{Fault: api.NewFault(api.FaultApplication, "encode result: %v", err)}
	}
	return req.Method, api.Response{Result: raw}
}

func invoke(ctx context.Context, handler HandlerFunc, params Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = api.NewFault(api.FaultApplication, "handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

func (s *Server) writeStatus(conn net.Conn, req *http.Request, status int, msg string) {
	if err := writeHTTP(conn, req, status, "text/plain; charset=utf-8", []byte(msg+"\n")); err != nil {
		s.logger.Debug("unixrpc.server.write_error", "status", status, "error", err)
	}
}

func writeHTTP(w io.Writer, req *http.Request, status int, contentType string, body []byte) error {
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
		Request:       req,
	}
	resp.Header.Set("Content-Type", contentType)
	return resp.Write(w)
}
