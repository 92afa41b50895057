package client

import "strings"

// MaintenanceMode selects which maintenance flag SetMaintenanceMode changes.
type MaintenanceMode string

const (
	// MaintenanceLocal suspends HA actions on this host only.
	MaintenanceLocal MaintenanceMode = "LOCAL"
	// MaintenanceGlobal suspends HA actions cluster-wide.
	MaintenanceGlobal MaintenanceMode = "GLOBAL"
	// MaintenanceLocalManual is local maintenance set by an administrator;
	// it implies MaintenanceLocal.
	MaintenanceLocalManual MaintenanceMode = "LOCAL_MANUAL"
)

// ParseMaintenanceMode accepts the mode names in any case.
func ParseMaintenanceMode(s string) (MaintenanceMode, error) {
	switch m := MaintenanceMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case MaintenanceLocal, MaintenanceGlobal, MaintenanceLocalManual:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Value: s, Err: ErrInvalidMode}
}

// StatMode filters which records a stats query returns.
type StatMode string

const (
	// StatAll returns the global record and every host.
	StatAll StatMode = "ALL"
	// StatHost returns host records only.
	StatHost StatMode = "HOST"
	// StatGlobal returns the global record only.
	StatGlobal StatMode = "GLOBAL"
)

// ParseStatMode accepts the mode names in any case.
func ParseStatMode(s string) (StatMode, error) {
	switch m := StatMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case StatAll, StatHost, StatGlobal:
		return m, nil
	}
	return "", &ValidationError{Field: "stat mode", Value: s, Err: ErrInvalidMode}
}

func (m StatMode) validate() error {
	switch m {
	case StatAll, StatHost, StatGlobal:
		return nil
	}
	return &ValidationError{Field: "stat mode", Value: string(m), Err: ErrInvalidMode}
}

func (m StatMode) String() string { return string(m) }

func (m MaintenanceMode) String() string { return string(m) }
