// Package metadata defines the per-host and global records stored in the
// shared metadata area, the registry of global flags and a text codec for
// the encoded blocks.
package metadata

import (
	"encoding/json"
	"maps"
	"sort"
	"strconv"
	"time"
)

// Field names used in encoded host blocks.
const (
	FieldHostID    = "host-id"
	FieldScore     = "score"
	FieldStopped   = "stopped"
	FieldLiveData  = "live-data"
	FieldTimestamp = "timestamp"
)

// HostRecord is the decoded block of one host.
type HostRecord struct {
	// HostID is the slot the block was read from; never 0.
	HostID int `json:"host-id"`
	// Score is the host's last published availability score.
	Score int `json:"score"`
	// Stopped reports whether the host's agent is stopped.
	Stopped bool `json:"stopped"`
	// LiveData is set only after asking the broker whether the host is alive.
	// Nil means liveness was not determined.
	LiveData *bool `json:"live-data,omitempty"`
	// Extra carries every other field of the block, unmodified.
	Extra map[string]string `json:"extra,omitempty"`
}

// Alive reports the liveness verdict, treating an unknown verdict as false.
func (r *HostRecord) Alive() bool {
	return r != nil && r.LiveData != nil && *r.LiveData
}

// SetLive records the broker's liveness verdict.
func (r *HostRecord) SetLive(alive bool) {
	r.LiveData = &alive
}

// Timestamp returns the update time published in the block, if any.
func (r *HostRecord) Timestamp() (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	raw, ok := r.Extra[FieldTimestamp]
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// GlobalRecord is the decoded id 0 block: cluster-wide named flags.
type GlobalRecord struct {
	Flags map[string]string
}

// NewGlobalRecord returns an empty record.
func NewGlobalRecord() *GlobalRecord {
	return &GlobalRecord{Flags: make(map[string]string)}
}

// Get returns the stored value of flag.
func (g *GlobalRecord) Get(flag string) (string, bool) {
	if g == nil {
		return "", false
	}
	v, ok := g.Flags[flag]
	return v, ok
}

// Set stores value under flag, leaving other flags unaltered.
func (g *GlobalRecord) Set(flag, value string) {
	if g.Flags == nil {
		g.Flags = make(map[string]string)
	}
	g.Flags[flag] = value
}

// Maintenance reports whether global maintenance is on. A missing or
// unparsable flag reads as false.
func (g *GlobalRecord) Maintenance() bool {
	v, ok := g.Get(FlagMaintenance)
	if !ok {
		return false
	}
	on, err := ParseBool(v)
	return err == nil && on
}

// Names returns the flag names in sorted order.
func (g *GlobalRecord) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.Flags))
	for name := range g.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (g *GlobalRecord) Clone() *GlobalRecord {
	if g == nil {
		return nil
	}
	return &GlobalRecord{Flags: maps.Clone(g.Flags)}
}

// MarshalJSON renders the record as a flat flag object.
func (g *GlobalRecord) MarshalJSON() ([]byte, error) {
	if g == nil || g.Flags == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Flags)
}

// UnmarshalJSON reads a flat flag object.
func (g *GlobalRecord) UnmarshalJSON(data []byte) error {
	flags := make(map[string]string)
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	g.Flags = flags
	return nil
}
