package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is an identifier field as the client sent it. Clients may use strings
// or numbers; the value is re-emitted unchanged and keyed by Key.
type ID struct {
	raw json.RawMessage
}

// StringID returns an ID that encodes as the JSON string s.
func StringID(s string) ID {
	raw, _ := json.Marshal(s)
	return ID{raw: raw}
}

// RawID wraps an already encoded JSON value.
func RawID(raw []byte) ID {
	return ID{raw: append(json.RawMessage(nil), raw...)}
}

// UnmarshalJSON keeps a compacted copy of b.
func (id *ID) UnmarshalJSON(b []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return err
	}
	id.raw = buf.Bytes()
	return nil
}

// MarshalJSON writes the value as received, or null when absent.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// Raw returns the compact JSON encoding, nil when the field was absent.
func (id ID) Raw() []byte {
	return id.raw
}

// Empty reports whether the field is absent or carries a value that does not
// identify anything: null, false, "", 0, [] or {}.
func (id ID) Empty() bool {
	switch string(id.raw) {
	case "", "null", "false", `""`, "[]", "{}":
		return true
	}
	if f, err := strconv.ParseFloat(string(id.raw), 64); err == nil {
		return f == 0
	}
	return false
}

// Key is the text used for rooms and presence: the contents of a JSON
// string, or the literal encoding of any other value. 42 and "42" share a key.
func (id ID) Key() string {
	if len(id.raw) > 0 && id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id ID) String() string {
	return id.Key()
}
