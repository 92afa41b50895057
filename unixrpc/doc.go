// Package unixrpc is the private request/response transport between the
// hosted-engine HA client and the broker.
//
// The broker listens on a unix-domain socket identified by a filesystem path.
// Calls travel as HTTP/1.1 POST requests carrying a JSON api.Request; the
// server answers each connection with exactly one api.Response and closes it.
//
// # Server
//
// Handlers are registered by name in an explicit Registry before the server
// starts:
//
//	reg := unixrpc.NewRegistry()
//	reg.MustRegister("ping", func(ctx context.Context, p unixrpc.Params) (any, error) {
//		return "pong", nil
//	})
//	srv, err := unixrpc.Listen(ctx, "/run/broker.sock", reg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//	go srv.Serve(ctx)
//
// A stale socket file left behind by a crashed instance is removed before
// bind; a path somebody is still answering on fails with ErrAddressInUse.
// Requests are served one at a time: the next connection is accepted only
// after the previous response has been written.
//
// # Client
//
// net/http expects a network host, so the client encodes the socket path into
// a base16 host token (EncodeAddress) and decodes it again in its dialer
// (DecodeAddress):
//
//	cli, err := unixrpc.NewClient("/run/broker.sock", unixrpc.WithTimeout(5*time.Second))
//	if err != nil {
//		log.Fatal(err)
//	}
//	var out string
//	if err := cli.Call(ctx, "ping", &out); err != nil {
//		if errors.Is(err, unixrpc.ErrTimeout) {
//			// the broker did not answer in time
//		}
//		log.Fatal(err)
//	}
//
// Remote failures are returned as *api.Fault; connect, protocol and timeout
// failures as *TransportError.
package unixrpc
