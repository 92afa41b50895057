package client

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFlag marks a global flag missing from the flag registry.
	ErrUnknownFlag = errors.New("unknown metadata flag")
	// ErrInvalidValue marks a flag value rejected by its normalizer.
	ErrInvalidValue = errors.New("invalid metadata flag value")
	// ErrInvalidMode marks an unrecognised maintenance or stat mode.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrHostNotConfigured marks a host without a local host id.
	ErrHostNotConfigured = errors.New("hosted engine is not configured")
	// ErrInvalidHostID marks a local host id that is not a positive integer.
	ErrInvalidHostID = errors.New("invalid local host id")

	// ErrNotInGlobalMaintenance blocks a lockspace reset outside global maintenance.
	ErrNotInGlobalMaintenance = errors.New("lockfile reset can be performed in global maintenance mode only")
	// ErrActiveAgent blocks a lockspace reset while a host agent still runs.
	ErrActiveAgent = errors.New("lockfile reset cannot be performed with an active agent")

	// ErrNoDirectStorage is returned by the direct stats path without a StatsReader.
	ErrNoDirectStorage = errors.New("direct storage access not configured")
	// ErrNilConfig is returned by New without a ConfigStore.
	ErrNilConfig = errors.New("client: config store required")
)

// ValidationError reports caller input rejected before any I/O.
type ValidationError struct {
	// Field names what was validated: a flag name or "mode".
	Field string
	// Value is the rejected input.
	Value string
	// Err is one of the validation sentinels.
	Err error
	// Cause is the normalizer error, if any.
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("client: %s %q: %v: %v", e.Field, e.Value, e.Err, e.Cause)
	}
	return fmt.Sprintf("client: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// ConfigurationError reports missing or malformed local configuration.
type ConfigurationError struct {
	Section string
	Key     string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("client: %s.%s: %v", e.Section, e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SafetyCheckError reports a lockspace reset refused by its safety checks.
type SafetyCheckError struct {
	// HostID is the host still running, or 0 when the global record failed
	// the check.
	HostID int
	Err    error
}

func (e *SafetyCheckError) Error() string {
	if e.HostID != 0 {
		return fmt.Sprintf("client: %v (host %d)", e.Err, e.HostID)
	}
	return fmt.Sprintf("client: %v", e.Err)
}

func (e *SafetyCheckError) Unwrap() error { return e.Err }
