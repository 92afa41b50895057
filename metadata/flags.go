package metadata

import (
	"fmt"
	"strings"
)

// FlagMaintenance is the global flag that suspends HA monitoring cluster-wide.
const FlagMaintenance = "maintenance"

// Normalizer validates a flag value and returns its canonical form.
type Normalizer func(value string) (string, error)

// FlagRegistry lists the global flags that may be set. A nil Normalizer
// stores the value as given.
type FlagRegistry map[string]Normalizer

// DefaultFlags returns the registry of flags known to the HA agents.
func DefaultFlags() FlagRegistry {
	return FlagRegistry{
		FlagMaintenance: NormalizeBool,
	}
}

// Lookup returns the normalizer registered for name.
func (r FlagRegistry) Lookup(name string) (Normalizer, bool) {
	n, ok := r[name]
	return n, ok
}

// Normalize runs the registered normalizer for name over value.
func (r FlagRegistry) Normalize(name, value string) (string, error) {
	n, ok := r[name]
	if !ok {
		return "", fmt.Errorf("metadata: unknown flag %q", name)
	}
	if n == nil {
		return value, nil
	}
	return n(value)
}

// ParseBool accepts the spellings used in HA configuration: anything starting
// with t, y or 1 is true; f, n or 0 is false. Case is ignored.
func ParseBool(value string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false, fmt.Errorf("metadata: invalid boolean %q", value)
	}
	switch v[0] {
	case 't', 'y', '1':
		return true, nil
	case 'f', 'n', '0':
		return false, nil
	}
	return false, fmt.Errorf("metadata: invalid boolean %q", value)
}

// FormatBool renders b as "True" or "False".
func FormatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// NormalizeBool is the Normalizer for boolean flags.
func NormalizeBool(value string) (string, error) {
	b, err := ParseBool(value)
	if err != nil {
		return "", err
	}
	return FormatBool(b), nil
}
