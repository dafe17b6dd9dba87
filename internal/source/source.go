package source

import "fmt"

// Record is one serialized event and its sequence id.
type Record struct {
	ID    uint64
	Value []byte
}

// Source produces records lazily, in strictly increasing ID order.
type Source interface {
	// Next returns the next record. ok is false once the source is exhausted;
	// a non-nil error is terminal.
	Next() (rec Record, ok bool, err error)
}

// ParseError reports an input line that is not a JSON object.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d is not valid JSON: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LineError reports a line that parsed but could not be turned into an event.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }
