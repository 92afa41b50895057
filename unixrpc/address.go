package unixrpc

import (
	"encoding/hex"
	"fmt"
)

// EncodeAddress turns a socket path into a host token made only of the
// characters [0-9a-f], safe to use as the host part of a URL.
func EncodeAddress(path string) string {
	return hex.EncodeToString([]byte(path))
}

// DecodeAddress reverses EncodeAddress. Upper-case tokens are accepted as well.
func DecodeAddress(token string) (string, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("unixrpc: decode address %q: %w", token, err)
	}
	return string(raw), nil
}
