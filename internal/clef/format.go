// Package clef converts log events between the expanded JSON shape and the
// compact log event format (CLEF), and merges import tags into either shape.
//
// Events are handled as ordered objects whose member values stay raw JSON:
// nothing below the top level is reinterpreted, and dates embedded in
// property values remain opaque strings.
package clef

import (
	"bytes"
	"fmt"
	"strings"
)

// Format identifies one of the two event shapes.
type Format int

const (
	// Expanded is the verbose shape: Timestamp, Level, MessageTemplate,
	// Exception and a nested Properties object.
	Expanded Format = iota
	// Compact is CLEF: "@"-prefixed reserved keys with properties at the top level.
	Compact
)

func (f Format) String() string {
	switch f {
	case Expanded:
		return "expanded"
	case Compact:
		return "compact"
	default:
		return "unknown"
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expanded", "default", "json":
		return Expanded, nil
	case "compact", "clef":
		return Compact, nil
	default:
		return 0, fmt.Errorf("unknown event format %q", s)
	}
}

// Reserved compact keys.
const (
	KeyTimestamp       = "@t"
	KeyMessage         = "@m"
	KeyMessageTemplate = "@mt"
	KeyLevel           = "@l"
	KeyException       = "@x"
	KeyEventID         = "@i"
	KeyRenderings      = "@r"
)

var reservedKeys = map[string]struct{}{
	KeyTimestamp:       {},
	KeyMessage:         {},
	KeyMessageTemplate: {},
	KeyLevel:           {},
	KeyException:       {},
	KeyEventID:         {},
	KeyRenderings:      {},
}

// IsReserved reports whether name is a reserved compact key.
func IsReserved(name string) bool {
	_, ok := reservedKeys[name]
	return ok
}

// Expanded field names.
const (
	FieldTimestamp       = "Timestamp"
	FieldLevel           = "Level"
	FieldMessage         = "Message"
	FieldMessageTemplate = "MessageTemplate"
	FieldException       = "Exception"
	FieldProperties      = "Properties"

	// DefaultLevel is implied when a compact event carries no "@l".
	DefaultLevel = "Information"
)

// DetectFormat inspects a single input line and reports Compact when it
// carries the compact timestamp key at the top level.
func DetectFormat(line []byte) Format {
	if o, err := ParseObject(line); err == nil {
		if o.Has(KeyTimestamp) {
			return Compact
		}
		return Expanded
	}
	if bytes.Contains(line, []byte(`"`+KeyTimestamp+`"`)) {
		return Compact
	}
	return Expanded
}

// ConvertFunc converts an event from one shape to another.
type ConvertFunc func(*Object) (*Object, error)

// Converter selects the conversion for a run.
func Converter(in, out Format) ConvertFunc {
	switch {
	case in == out:
		return Identity
	case in == Compact:
		return ToExpanded
	default:
		return ToCompact
	}
}

// FormatError reports an event that cannot be represented in the target shape.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("event field %q: %s", e.Field, e.Reason)
}
