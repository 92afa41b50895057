package metadata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Codec converts between encoded metadata blocks and records.
type Codec interface {
	DecodeHost(id int, block string) (*HostRecord, error)
	DecodeGlobal(block string) (*GlobalRecord, error)
	EncodeHost(rec *HostRecord) (string, error)
	EncodeGlobal(rec *GlobalRecord) (string, error)
}

// TextCodec encodes blocks as "key=value" lines. Trailing NUL padding, as
// left by fixed-size storage slots, is ignored when decoding.
type TextCodec struct {
	// Flags normalises known global flags on decode. Unknown flags are kept
	// verbatim. Nil disables normalisation.
	Flags FlagRegistry
}

// NewTextCodec returns a codec using the default flag registry.
func NewTextCodec() *TextCodec {
	return &TextCodec{Flags: DefaultFlags()}
}

var _ Codec = (*TextCodec)(nil)

// DecodeHost decodes the block stored in slot id. The block's host-id must
// match the slot.
func (c *TextCodec) DecodeHost(id int, block string) (*HostRecord, error) {
	if id <= 0 {
		return nil, &DecodeError{ID: id, Reason: "host id must be positive"}
	}
	fields, err := parseFields(id, block)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &DecodeError{ID: id, Reason: "empty block"}
	}
	rec := &HostRecord{}
	rawID, ok := fields[FieldHostID]
	if !ok {
		return nil, &DecodeError{ID: id, Reason: "missing " + FieldHostID}
	}
	rec.HostID, err = strconv.Atoi(rawID)
	if err != nil {
		return nil, &DecodeError{ID: id, Reason: "bad " + FieldHostID, Err: err}
	}
	if rec.HostID != id {
		return nil, &DecodeError{ID: id, Reason: fmt.Sprintf("block belongs to host %d", rec.HostID)}
	}
	rawScore, ok := fields[FieldScore]
	if !ok {
		return nil, &DecodeError{ID: id, Reason: "missing " + FieldScore}
	}
	rec.Score, err = strconv.Atoi(rawScore)
	if err != nil {
		return nil, &DecodeError{ID: id, Reason: "bad " + FieldScore, Err: err}
	}
	if rec.Score < 0 {
		return nil, &DecodeError{ID: id, Reason: "negative " + FieldScore}
	}
	if rawStopped, ok := fields[FieldStopped]; ok {
		rec.Stopped, err = ParseBool(rawStopped)
		if err != nil {
			return nil, &DecodeError{ID: id, Reason: "bad " + FieldStopped, Err: err}
		}
	}
	for k, v := range fields {
		switch k {
		case FieldHostID, FieldScore, FieldStopped, FieldLiveData:
			// live-data is derived by the reader and never trusted from storage.
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

// DecodeGlobal decodes the id 0 block. An empty block decodes to an empty
// record.
func (c *TextCodec) DecodeGlobal(block string) (*GlobalRecord, error) {
	fields, err := parseFields(0, block)
	if err != nil {
		return nil, err
	}
	rec := NewGlobalRecord()
	for k, v := range fields {
		if n, known := c.Flags.Lookup(k); known && n != nil {
			nv, err := n(v)
			if err != nil {
				return nil, &DecodeError{ID: 0, Reason: "bad flag " + k, Err: err}
			}
			v = nv
		}
		rec.Flags[k] = v
	}
	return rec, nil
}

// EncodeHost renders rec. LiveData is not stored.
func (c *TextCodec) EncodeHost(rec *HostRecord) (string, error) {
	if rec == nil || rec.HostID <= 0 {
		return "", fmt.Errorf("%w: host record needs a positive host id", ErrInvalidField)
	}
	if rec.Score < 0 {
		return "", fmt.Errorf("%w: negative score", ErrInvalidField)
	}
	var b strings.Builder
	writeField(&b, FieldHostID, strconv.Itoa(rec.HostID))
	writeField(&b, FieldScore, strconv.Itoa(rec.Score))
	writeField(&b, FieldStopped, FormatBool(rec.Stopped))
	keys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		switch k {
		case FieldHostID, FieldScore, FieldStopped, FieldLiveData:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := checkField(k, rec.Extra[k]); err != nil {
			return "", err
		}
		writeField(&b, k, rec.Extra[k])
	}
	return b.String(), nil
}

// EncodeGlobal renders every flag of rec in name order.
func (c *TextCodec) EncodeGlobal(rec *GlobalRecord) (string, error) {
	var b strings.Builder
	for _, name := range rec.Names() {
		if err := checkField(name, rec.Flags[name]); err != nil {
			return "", err
		}
		writeField(&b, name, rec.Flags[name])
	}
	return b.String(), nil
}

func parseFields(id int, block string) (map[string]string, error) {
	block = strings.TrimRight(block, "\x00")
	fields := make(map[string]string)
	for n, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &DecodeError{ID: id, Reason: fmt.Sprintf("line %d is not key=value", n+1)}
		}
		if strings.ContainsRune(line, '\x00') {
			return nil, &DecodeError{ID: id, Reason: fmt.Sprintf("line %d contains NUL", n+1)}
		}
		if _, dup := fields[key]; dup {
			return nil, &DecodeError{ID: id, Reason: "duplicate field " + key}
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

func checkField(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=\n\r\x00") || strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key %q", ErrInvalidField, key)
	}
	if strings.ContainsAny(value, "\n\r\x00") || strings.TrimSpace(value) != value {
		return fmt.Errorf("%w: value of %q", ErrInvalidField, key)
	}
	return nil
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}
