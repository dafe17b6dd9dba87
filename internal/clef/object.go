package clef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotObject is returned when a JSON document is valid but is not an object.
var ErrNotObject = errors.New("json value is not an object")

// Member is a single key/value pair of an Object. The value is kept as raw
// JSON so nested content is never reinterpreted.
type Member struct {
	Key   string
	Value json.RawMessage
}

// Object is a JSON object that preserves member order.
type Object struct {
	members []Member
	index   map[string]int
}

// NewObject returns an empty object with room for n members.
func NewObject(n int) *Object {
	return &Object{
		members: make([]Member, 0, n),
		index:   make(map[string]int, n),
	}
}

// ParseObject parses data as a single JSON object.
func ParseObject(data []byte) (*Object, error) {
	o := NewObject(8)
	if err := o.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return o, nil
}

// Len returns the number of members.
func (o *Object) Len() int { return len(o.members) }

// Members returns the members in order. The slice must not be modified.
func (o *Object) Members() []Member { return o.members }

// Get returns the raw value stored under key.
func (o *Object) Get(key string) (json.RawMessage, bool) {
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.members[i].Value, true
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.index[key]
	return ok
}

// Set stores value under key. An existing key keeps its position.
func (o *Object) Set(key string, value json.RawMessage) {
	if i, ok := o.index[key]; ok {
		o.members[i].Value = value
		return
	}
	o.index[key] = len(o.members)
	o.members = append(o.members, Member{Key: key, Value: value})
}

// String returns the value under key when it is a JSON string.
func (o *Object) String(key string) (string, bool) {
	raw, ok := o.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// UnmarshalJSON decodes a JSON object, keeping member order. Duplicate keys
// keep the first position and the last value.
func (o *Object) UnmarshalJSON(data []byte) error {
	if o.index == nil {
		o.index = make(map[string]int)
	}
	o.members = o.members[:0]
	clear(o.index)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotObject
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		o.Set(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after json object")
	}
	return nil
}

// MarshalJSON encodes the object compactly in member order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo appends the compact encoding of the object to buf.
func (o *Object) WriteTo(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, m := range o.members {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(quote(m.Key))
		buf.WriteByte(':')
		if len(m.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		if err := json.Compact(buf, m.Value); err != nil {
			return fmt.Errorf("member %q: %w", m.Key, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// Map decodes the object into generic Go values, as used by expression filters.
func (o *Object) Map() (map[string]any, error) {
	out := make(map[string]any, len(o.members))
	for _, m := range o.members {
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return nil, fmt.Errorf("member %q: %w", m.Key, err)
		}
		out[m.Key] = v
	}
	return out, nil
}

// Marshal encodes v without HTML escaping.
func Marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func quote(s string) []byte {
	b, _ := Marshal(s)
	return b
}
