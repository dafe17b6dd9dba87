// Package shipper delivers buffered events in batches and isolates events
// the server rejects.
//
// A Shipper runs in one of two modes. In batch mode each request carries as
// many events as fit in the payload limit. When the server rejects a batch
// with 400 or 413, the shipper switches to single mode and sends the next
// IsolationBudget events one per request. An event rejected on its own is
// logged, dead-lettered and skipped, and batch mode resumes after it. Any other failure stops the run with the
// checkpoint left at the last confirmed event.
package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/seqimport/internal/dlq"
	"github.com/lsm/seqimport/internal/observability"
	"github.com/lsm/seqimport/internal/ratelimit"
	"github.com/lsm/seqimport/internal/sink"
	"github.com/lsm/seqimport/internal/source"
	"github.com/lsm/seqimport/internal/tracing"
)

// Defaults.
const (
	DefaultPayloadLimitBytes   = 1024 * 1024
	DefaultEventBodyLimitBytes = 256 * 1024
	DefaultIsolationBudget     = 100
)

// Mode labels.
const (
	ModeBatch  = "batch"
	ModeSingle = "single"
)

// Config holds shipper configuration.
type Config struct {
	Envelope Envelope
	// PayloadLimitBytes caps the size of one request body.
	PayloadLimitBytes int
	// EventBodyLimitBytes caps the size of one event; larger events are skipped.
	EventBodyLimitBytes int
	// IsolationBudget is the number of events sent one at a time after a
	// batch is rejected.
	IsolationBudget int
	// ImportID tags spans and log lines of this run.
	ImportID string
}

// DefaultConfig returns a Config with default limits and the array envelope.
func DefaultConfig() Config {
	return Config{
		Envelope:            EnvelopeArray,
		PayloadLimitBytes:   DefaultPayloadLimitBytes,
		EventBodyLimitBytes: DefaultEventBodyLimitBytes,
		IsolationBudget:     DefaultIsolationBudget,
	}
}

// Buffer is the replayable batch source a Shipper drains.
type Buffer interface {
	Peek(budgetBytes, overheadBytes, maxEventBytes int) ([]source.Record, error)
	DiscardThrough(id uint64)
}

// Result summarises a run.
type Result struct {
	// Checkpoint is the highest id confirmed delivered or discarded.
	Checkpoint uint64
	BytesSent  int64
	Requests   int
	Delivered  int
	// Rejected counts events the server refused on their own.
	Rejected int
}

// AbortError reports a failure that stopped the run. Events after the
// checkpoint were not delivered and can be re-sent by a later run.
type AbortError struct {
	StatusCode int
	Body       string
	Checkpoint uint64
	Err        error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery aborted at checkpoint %d: %v", e.Checkpoint, e.Err)
	}
	return fmt.Sprintf("delivery aborted at checkpoint %d: server responded with status %d", e.Checkpoint, e.StatusCode)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Option configures a Shipper.
type Option func(*Shipper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shipper) {
		s.logger = observability.NewTraceLogger(l)
	}
}

// WithMetrics records requests, deliveries and mode changes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Shipper) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for per-batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Shipper) {
		s.tracer = t
	}
}

// WithLimiter paces requests.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Shipper) {
		s.limiter = l
	}
}

// WithDeadLetter receives events the server rejects on their own.
func WithDeadLetter(h *dlq.Handler) Option {
	return func(s *Shipper) {
		s.dlq = h
	}
}

// Shipper drains a Buffer into a Sender.
type Shipper struct {
	cfg     Config
	buf     Buffer
	sender  sink.Sender
	logger  *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
	limiter *ratelimit.Limiter
	dlq     *dlq.Handler

	payload   bytes.Buffer
	remaining int
	result    Result
}

// New creates a Shipper. Zero limits take their defaults.
func New(cfg Config, buf Buffer, sender sink.Sender, opts ...Option) (*Shipper, error) {
	if buf == nil {
		return nil, errors.New("shipper: buffer is required")
	}
	if sender == nil {
		return nil, errors.New("shipper: sender is required")
	}
	if cfg.PayloadLimitBytes == 0 {
		cfg.PayloadLimitBytes = DefaultPayloadLimitBytes
	}
	if cfg.EventBodyLimitBytes == 0 {
		cfg.EventBodyLimitBytes = DefaultEventBodyLimitBytes
	}
	if cfg.IsolationBudget == 0 {
		cfg.IsolationBudget = DefaultIsolationBudget
	}
	if cfg.Envelope.Budget(cfg.PayloadLimitBytes) <= 0 {
		return nil, fmt.Errorf("shipper: payload limit %d leaves no room for events", cfg.PayloadLimitBytes)
	}
	if cfg.EventBodyLimitBytes < 0 || cfg.IsolationBudget < 0 {
		return nil, errors.New("shipper: limits must not be negative")
	}

	s := &Shipper{
		cfg:    cfg,
		buf:    buf,
		sender: sender,
		logger: observability.NewTraceLogger(slog.Default()),
		tracer: noop.NewTracerProvider().Tracer("shipper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.ImportID != "" {
		s.logger = s.logger.With("import_id", cfg.ImportID)
	}
	return s, nil
}

// Mode returns the current shipping mode.
func (s *Shipper) Mode() string {
	if s.remaining > 0 {
		return ModeSingle
	}
	return ModeBatch
}

// Run ships until the buffer is exhausted, a request fails or ctx is done.
// ctx is checked between requests, never while one is in flight.
func (s *Shipper) Run(ctx context.Context) (Result, error) {
	env := s.cfg.Envelope
	budget := env.Budget(s.cfg.PayloadLimitBytes)

	for {
		if err := ctx.Err(); err != nil {
			return s.result, err
		}

		recs, err := s.buf.Peek(budget, env.Overhead(), s.cfg.EventBodyLimitBytes)
		if err != nil {
			return s.result, fmt.Errorf("read events: %w", err)
		}
		if len(recs) == 0 {
			s.logger.Info(ctx, "all events shipped",
				"checkpoint", s.result.Checkpoint,
				"bytes", s.result.BytesSent,
				"requests", s.result.Requests,
				"rejected", s.result.Rejected,
			)
			return s.result, nil
		}
		if s.remaining > 0 {
			recs = recs[:1]
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return s.result, err
		}
		if err := s.ship(ctx, recs); err != nil {
			return s.result, err
		}
	}
}

func (s *Shipper) ship(ctx context.Context, recs []source.Record) error {
	mode := s.Mode()
	first, last := recs[0].ID, recs[len(recs)-1].ID
	payload := s.cfg.Envelope.Encode(&s.payload, recs)

	attrs := tracing.BatchAttrs(mode, len(recs), len(payload), first, last)
	if s.cfg.ImportID != "" {
		attrs = append(attrs, tracing.ImportIDAttr(s.cfg.ImportID))
	}
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanShipBatch, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	resp, err := s.sender.Send(ctx, payload, s.cfg.Envelope.ContentType())
	s.result.Requests++

	if err != nil {
		s.metrics.RecordRequest(mode, 0, time.Since(start).Seconds())
		tracing.SetSpanError(span, err)
		s.logger.Error(ctx, "delivery failed; stopping",
			"mode", mode,
			"first", first,
			"last", last,
			"checkpoint", s.result.Checkpoint,
			"error", err,
		)
		return &AbortError{Checkpoint: s.result.Checkpoint, Err: err}
	}
	s.metrics.RecordRequest(mode, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))

	switch {
	case resp.OK():
		tracing.SetSpanOK(span)
		s.delivered(ctx, recs, len(payload))
		return nil

	case isRejection(resp.StatusCode):
		tracing.SetSpanError(span, fmt.Errorf("rejected with status %d", resp.StatusCode))
		if s.remaining > 0 {
			s.rejected(ctx, recs[0], payload, resp)
			return nil
		}
		s.remaining = s.cfg.IsolationBudget
		s.metrics.SetSingleMode(true)
		s.logger.Warn(ctx, "batch rejected; sending events one at a time",
			"status", resp.StatusCode,
			"first", first,
			"last", last,
			"events", len(recs),
			"isolation_budget", s.remaining,
		)
		return nil

	default:
		err := fmt.Errorf("server responded with status %d", resp.StatusCode)
		tracing.SetSpanError(span, err)
		s.logger.Error(ctx, "delivery failed; stopping",
			"mode", mode,
			"status", resp.StatusCode,
			"first", first,
			"last", last,
			"checkpoint", s.result.Checkpoint,
			"response", resp.Body,
		)
		return &AbortError{StatusCode: resp.StatusCode, Body: resp.Body, Checkpoint: s.result.Checkpoint}
	}
}

func (s *Shipper) delivered(ctx context.Context, recs []source.Record, size int) {
	last := recs[len(recs)-1].ID
	s.buf.DiscardThrough(last)
	s.result.Checkpoint = last
	s.result.BytesSent += int64(size)
	s.result.Delivered += len(recs)
	s.metrics.RecordDelivery(size, last)
	s.metrics.RecordEvents(observability.OutcomeDelivered, len(recs))

	s.logger.Info(ctx, "sent total bytes",
		"bytes", s.result.BytesSent,
		"events", len(recs),
		"checkpoint", last,
	)
	s.countDown(ctx)
}

func (s *Shipper) rejected(ctx context.Context, rec source.Record, payload []byte, resp *sink.Response) {
	s.logger.Error(ctx, "event rejected; discarding",
		"id", rec.ID,
		"status", resp.StatusCode,
		"payload", string(payload),
		"response", resp.Body,
	)
	if s.dlq != nil {
		err := s.dlq.Send(ctx, rec.ID, rec.Value, dlq.FailureInfo{
			Reason:     dlq.ReasonRejected,
			StatusCode: resp.StatusCode,
			Response:   resp.Body,
		})
		if err != nil {
			s.logger.Error(ctx, "dead letter write failed", "id", rec.ID, "error", err)
		}
	}
	s.buf.DiscardThrough(rec.ID)
	s.result.Checkpoint = rec.ID
	s.result.Rejected++
	s.metrics.RecordEvent(observability.OutcomeRejected)

	// The poison event is found; the rest of the window goes back to batches.
	s.remaining = 0
	s.metrics.SetSingleMode(false)
	s.logger.Info(ctx, "resuming batch mode", "checkpoint", s.result.Checkpoint)
}

func (s *Shipper) countDown(ctx context.Context) {
	if s.remaining == 0 {
		return
	}
	s.remaining--
	if s.remaining == 0 {
		s.metrics.SetSingleMode(false)
		s.logger.Info(ctx, "resuming batch mode", "checkpoint", s.result.Checkpoint)
	}
}

func isRejection(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge
}
