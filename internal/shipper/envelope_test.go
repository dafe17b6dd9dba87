package shipper

import (
	"bytes"
	"testing"

	"github.com/lsm/seqimport/internal/source"
)

func TestEnvelope_Encode(t *testing.T) {
	recs := []source.Record{
		{ID: 1, Value: []byte(`{"@t":"2024-01-01T00:00:00.0000000Z","a":1}`)},
		{ID: 2, Value: []byte(`{"@t":"2024-01-01T00:00:01.0000000Z","a":2}`)},
	}
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"array", EnvelopeArray, `{"Events":[{"@t":"2024-01-01T00:00:00.0000000Z","a":1},{"@t":"2024-01-01T00:00:01.0000000Z","a":2}]}`},
		{"clef", EnvelopeCLEF, "{\"@t\":\"2024-01-01T00:00:00.0000000Z\",\"a\":1}\r\n{\"@t\":\"2024-01-01T00:00:01.0000000Z\",\"a\":2}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			buf.WriteString("stale")
			got := tt.env.Encode(&buf, recs)
			if string(got) != tt.want {
				t.Errorf("Encode() =\n%s\nwant\n%s", got, tt.want)
			}
			// The budget charges every event its overhead except the first.
			cost := tt.env.Fixed() - tt.env.Overhead()
			for _, r := range recs {
				cost += tt.env.Overhead() + len(r.Value)
			}
			if cost != len(got) {
				t.Errorf("charged %d bytes for a %d byte payload", cost, len(got))
			}
		})
	}
}

func TestEnvelope_EncodeSingle(t *testing.T) {
	var buf bytes.Buffer
	got := EnvelopeCLEF.Encode(&buf, []source.Record{{ID: 1, Value: []byte(`{}`)}})
	if string(got) != `{}` {
		t.Errorf("got %q", got)
	}
	got = EnvelopeArray.Encode(&buf, []source.Record{{ID: 1, Value: []byte(`{}`)}})
	if string(got) != `{"Events":[{}]}` {
		t.Errorf("got %q", got)
	}
}

func TestEnvelope_Properties(t *testing.T) {
	if EnvelopeArray.Budget(1000) != 987 {
		t.Errorf("array budget = %d, want 987", EnvelopeArray.Budget(1000))
	}
	if EnvelopeCLEF.Budget(1000) != 1000 {
		t.Errorf("clef budget = %d, want 1000", EnvelopeCLEF.Budget(1000))
	}
	if EnvelopeArray.Overhead() != 1 || EnvelopeCLEF.Overhead() != 2 {
		t.Errorf("overheads = %d/%d", EnvelopeArray.Overhead(), EnvelopeCLEF.Overhead())
	}
	if EnvelopeArray.ContentType() != "application/json; charset=utf-8" {
		t.Errorf("array content type = %s", EnvelopeArray.ContentType())
	}
	if EnvelopeCLEF.ContentType() != "application/vnd.serilog.clef; charset=utf-8" {
		t.Errorf("clef content type = %s", EnvelopeCLEF.ContentType())
	}
	if EnvelopeFor(true) != EnvelopeCLEF || EnvelopeFor(false) != EnvelopeArray {
		t.Error("EnvelopeFor picked the wrong envelope")
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		in      string
		want    Envelope
		wantErr bool
	}{
		{"array", EnvelopeArray, false},
		{"JSON", EnvelopeArray, false},
		{"clef", EnvelopeCLEF, false},
		{" compact ", EnvelopeCLEF, false},
		{"xml", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEnvelope(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
