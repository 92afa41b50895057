package metadata

import (
	"errors"
	"fmt"
)

// ErrInvalidField is returned when a record cannot be encoded because a key
// or value would break the block framing.
var ErrInvalidField = errors.New("metadata: invalid field")

// DecodeError reports a block that could not be decoded.
type DecodeError struct {
	// ID is the slot of the failing block; 0 for the global record.
	ID int
	// Reason describes what was wrong.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata: decode block %d: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("metadata: decode block %d: %s", e.ID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }
