package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lsm/seqimport/internal/clef"
	"github.com/lsm/seqimport/internal/observability"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReaderConfig controls how input lines become records.
type ReaderConfig struct {
	// InputFormat is used when DetectInput is false.
	InputFormat clef.Format
	// DetectInput selects the input format from the first non-empty line.
	DetectInput  bool
	OutputFormat clef.Format
	// Properties are merged into every event after conversion.
	Properties []clef.Property
	// Filter is an optional CEL expression; see Filter.
	Filter string
	// SkipInvalid skips lines that fail conversion instead of failing the run.
	SkipInvalid bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for skipped lines.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// WithMetrics records per-line outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reader) {
		r.metrics = m
	}
}

// Reader turns newline-delimited JSON into records. It reads on demand and
// cannot be rewound.
type Reader struct {
	br          *bufio.Reader
	closer      io.Closer
	cfg         ReaderConfig
	convert     clef.ConvertFunc
	enricher    *clef.Enricher
	filter      *Filter
	logger      *slog.Logger
	metrics     *observability.Metrics
	buf         bytes.Buffer
	line        int
	nextID      uint64
	inputFormat clef.Format
	done        bool
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, cfg ReaderConfig, opts ...Option) (*Reader, error) {
	enricher, err := clef.NewEnricher(cfg.OutputFormat, cfg.Properties)
	if err != nil {
		return nil, fmt.Errorf("enricher: %w", err)
	}
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	rd := &Reader{
		br:       bufio.NewReaderSize(r, 64*1024),
		cfg:      cfg,
		enricher: enricher,
		filter:   filter,
		logger:   slog.Default(),
		nextID:   1,
	}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	if !cfg.DetectInput {
		rd.useFormat(cfg.InputFormat)
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd, nil
}

// Open creates a Reader over the file at path. The caller must Close it.
func Open(path string, cfg ReaderConfig, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, err := NewReader(f, cfg, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// InputFormat returns the input format in use. With detection enabled it is
// only meaningful after the first call to Next.
func (r *Reader) InputFormat() clef.Format { return r.inputFormat }

// Next implements Source.
func (r *Reader) Next() (Record, bool, error) {
	for !r.done {
		line, err := r.readLine()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			r.done = true
			return Record{}, false, fmt.Errorf("read line %d: %w", r.line+1, err)
		}
		if len(line) == 0 {
			continue
		}
		if r.convert == nil {
			r.useFormat(clef.DetectFormat(line))
			r.logger.Info("detected input format", "format", r.inputFormat.String())
		}

		value, keep, err := r.process(line)
		if err != nil {
			r.done = true
			return Record{}, false, err
		}
		if !keep {
			continue
		}
		rec := Record{ID: r.nextID, Value: value}
		r.nextID++
		r.metrics.RecordEvent(observability.OutcomeAccepted)
		return rec, true, nil
	}
	return Record{}, false, nil
}

// Close closes the underlying input when it is closable.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) useFormat(in clef.Format) {
	r.inputFormat = in
	r.convert = clef.Converter(in, r.cfg.OutputFormat)
}

func (r *Reader) readLine() ([]byte, error) {
	data, err := r.br.ReadBytes('\n')
	if len(data) == 0 && err != nil {
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	r.line++
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	if r.line == 1 {
		data = bytes.TrimPrefix(data, utf8BOM)
	}
	return data, nil
}

func (r *Reader) process(line []byte) ([]byte, bool, error) {
	event, err := clef.ParseObject(line)
	if err != nil {
		r.logger.Error("line is not valid JSON; skipping", "line", r.line, "error", &ParseError{Line: r.line, Err: err})
		r.metrics.RecordEvent(observability.OutcomeMalformed)
		return nil, false, nil
	}

	event, err = r.convert(event)
	if err == nil {
		err = r.enricher.Apply(event)
	}
	if err != nil {
		var fe *clef.FormatError
		if r.cfg.SkipInvalid && errors.As(err, &fe) {
			r.logger.Warn("line cannot be converted; skipping", "line", r.line, "error", err)
			r.metrics.RecordEvent(observability.OutcomeInvalid)
			return nil, false, nil
		}
		return nil, false, &LineError{Line: r.line, Err: err}
	}

	if r.filter != nil {
		keep, err := r.filter.Match(event, r.line)
		if err != nil {
			r.logger.Warn("filter evaluation failed; skipping", "line", r.line, "error", err)
		}
		if !keep {
			r.metrics.RecordEvent(observability.OutcomeFiltered)
			return nil, false, nil
		}
	}

	r.buf.Reset()
	if err := event.WriteTo(&r.buf); err != nil {
		return nil, false, &LineError{Line: r.line, Err: err}
	}
	return bytes.Clone(r.buf.Bytes()), true, nil
}
