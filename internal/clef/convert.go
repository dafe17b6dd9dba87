package clef

import (
	"encoding/json"
	"time"
)

const (
	// utcLayout is the round-trippable UTC form used for "@t".
	utcLayout = "2006-01-02T15:04:05.0000000Z07:00"
	// offsetLayout is the round-trippable offset form used for "Timestamp".
	offsetLayout = "2006-01-02T15:04:05.0000000-07:00"
	// localLayout accepts "@t" values that carry no offset; they are taken as UTC.
	localLayout = "2006-01-02T15:04:05.999999999"
)

// Identity returns the event unchanged.
func Identity(o *Object) (*Object, error) {
	return o, nil
}

// ToCompact converts an expanded event to CLEF.
func ToCompact(entry *Object) (*Object, error) {
	ts, err := timestamp(entry, FieldTimestamp, false)
	if err != nil {
		return nil, err
	}

	compact := NewObject(entry.Len() + 4)
	compact.Set(KeyTimestamp, quote(ts.UTC().Format(utcLayout)))

	if level, ok := entry.Get(FieldLevel); ok && !isDefaultLevel(level) {
		compact.Set(KeyLevel, level)
	}
	copyMember(entry, FieldMessage, compact, KeyMessage)
	copyMember(entry, FieldMessageTemplate, compact, KeyMessageTemplate)
	copyMember(entry, FieldException, compact, KeyException)

	raw, ok := entry.Get(FieldProperties)
	if !ok || isNull(raw) {
		return compact, nil
	}
	props, err := ParseObject(raw)
	if err != nil {
		return nil, &FormatError{Field: FieldProperties, Reason: "must be an object"}
	}
	for _, m := range props.Members() {
		key := m.Key
		// Hoisted names stay as they are except reserved ones, which gain an
		// extra "@" ("@x" becomes "@@x") so they cannot replace the event's own
		// timestamp, level, message or exception.
		if IsReserved(key) {
			key = "@" + key
		}
		compact.Set(key, m.Value)
	}
	return compact, nil
}

// ToExpanded converts a CLEF event to the expanded shape.
func ToExpanded(compact *Object) (*Object, error) {
	ts, err := timestamp(compact, KeyTimestamp, true)
	if err != nil {
		return nil, err
	}

	entry := NewObject(6)
	entry.Set(FieldTimestamp, quote(ts.UTC().Format(offsetLayout)))

	if level, ok := compact.Get(KeyLevel); ok {
		entry.Set(FieldLevel, level)
	} else {
		entry.Set(FieldLevel, quote(DefaultLevel))
	}
	copyMember(compact, KeyMessage, entry, FieldMessage)
	copyMember(compact, KeyMessageTemplate, entry, FieldMessageTemplate)
	copyMember(compact, KeyException, entry, FieldException)

	props := NewObject(compact.Len())
	for _, m := range compact.Members() {
		if IsReserved(m.Key) {
			continue
		}
		props.Set(m.Key, m.Value)
	}
	raw, err := props.MarshalJSON()
	if err != nil {
		return nil, err
	}
	entry.Set(FieldProperties, raw)
	return entry, nil
}

func timestamp(o *Object, field string, assumeUTC bool) (time.Time, error) {
	raw, ok := o.Get(field)
	if !ok {
		return time.Time{}, &FormatError{Field: field, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, &FormatError{Field: field, Reason: "not a string"}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if assumeUTC {
		if t, lerr := time.ParseInLocation(localLayout, s, time.UTC); lerr == nil {
			return t, nil
		}
	}
	return time.Time{}, &FormatError{Field: field, Reason: "not an ISO-8601 timestamp: " + err.Error()}
}

func copyMember(from *Object, fromKey string, to *Object, toKey string) {
	if v, ok := from.Get(fromKey); ok {
		to.Set(toKey, v)
	}
}

func isDefaultLevel(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil && s == DefaultLevel
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
