//go:build !unix

package unixrpc

import (
	"errors"
	"syscall"
)

// reuseAddrControl is a no-op where SO_REUSEADDR cannot be set on unix sockets.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }

func isStaleSocketError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
