package shipper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/lsm/seqimport/internal/source"
)

// Envelope is the wire wrapping applied around the events of one request.
type Envelope int

const (
	// EnvelopeArray wraps events as {"Events":[e1,e2]}.
	EnvelopeArray Envelope = iota
	// EnvelopeCLEF sends compact events separated by CRLF.
	EnvelopeCLEF
)

const (
	arrayOpen  = `{"Events":[`
	arrayClose = `]}`

	ContentTypeArray = "application/json; charset=utf-8"
	ContentTypeCLEF  = "application/vnd.serilog.clef; charset=utf-8"
)

var crlf = []byte("\r\n")

// EnvelopeFor returns the envelope used for the given output shape.
func EnvelopeFor(compactOutput bool) Envelope {
	if compactOutput {
		return EnvelopeCLEF
	}
	return EnvelopeArray
}

func (e Envelope) String() string {
	switch e {
	case EnvelopeArray:
		return "array"
	case EnvelopeCLEF:
		return "clef"
	default:
		return "unknown"
	}
}

// ParseEnvelope parses an envelope name.
func ParseEnvelope(s string) (Envelope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "array", "json":
		return EnvelopeArray, nil
	case "clef", "compact":
		return EnvelopeCLEF, nil
	default:
		return 0, fmt.Errorf("unknown envelope %q", s)
	}
}

// ContentType returns the request content type.
func (e Envelope) ContentType() string {
	if e == EnvelopeCLEF {
		return ContentTypeCLEF
	}
	return ContentTypeArray
}

// Overhead returns the bytes charged per event in addition to its length.
func (e Envelope) Overhead() int {
	if e == EnvelopeCLEF {
		return len(crlf)
	}
	return 1
}

// Fixed returns the bytes the envelope adds regardless of event count.
func (e Envelope) Fixed() int {
	if e == EnvelopeCLEF {
		return 0
	}
	return len(arrayOpen) + len(arrayClose)
}

// Budget returns the byte budget left for events under payloadLimit.
func (e Envelope) Budget(payloadLimit int) int {
	return payloadLimit - e.Fixed()
}

// Encode writes recs into buf, which is reset first, and returns its bytes.
func (e Envelope) Encode(buf *bytes.Buffer, recs []source.Record) []byte {
	buf.Reset()
	if e == EnvelopeCLEF {
		for i, rec := range recs {
			if i > 0 {
				buf.Write(crlf)
			}
			buf.Write(rec.Value)
		}
		return buf.Bytes()
	}

	buf.WriteString(arrayOpen)
	for i, rec := range recs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Value)
	}
	buf.WriteString(arrayClose)
	return buf.Bytes()
}
