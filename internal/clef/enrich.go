package clef

import (
	"encoding/json"
	"fmt"
)

// Property is an extra key/value pair added to every event of an import.
type Property struct {
	Name  string
	Value any
}

type encodedProperty struct {
	name  string
	value json.RawMessage
}

// Enricher merges a fixed set of properties into events of one shape.
type Enricher struct {
	target Format
	props  []encodedProperty
}

// NewEnricher encodes props once for repeated use on target-shaped events.
func NewEnricher(target Format, props []Property) (*Enricher, error) {
	e := &Enricher{target: target, props: make([]encodedProperty, 0, len(props))}
	for _, p := range props {
		raw, err := Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Name, err)
		}
		e.props = append(e.props, encodedProperty{name: p.Name, value: raw})
	}
	return e, nil
}

// Len returns the number of properties the enricher adds.
func (e *Enricher) Len() int {
	if e == nil {
		return 0
	}
	return len(e.props)
}

// Apply merges the properties into o. Existing values with the same name are
// overwritten, except that reserved compact keys are never clobbered.
func (e *Enricher) Apply(o *Object) error {
	if e.Len() == 0 {
		return nil
	}
	if e.target == Compact {
		for _, p := range e.props {
			name := p.name
			if IsReserved(name) {
				name = "@" + name
			}
			o.Set(name, p.value)
		}
		return nil
	}

	// A missing, null or non-object Properties is replaced by a fresh object.
	props := NewObject(len(e.props))
	if raw, ok := o.Get(FieldProperties); ok && !isNull(raw) {
		if existing, err := ParseObject(raw); err == nil {
			props = existing
		}
	}
	for _, p := range e.props {
		props.Set(p.name, p.value)
	}
	raw, err := props.MarshalJSON()
	if err != nil {
		return err
	}
	o.Set(FieldProperties, raw)
	return nil
}
