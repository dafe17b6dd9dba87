package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrImportID    = "seq.import.id"
	AttrShipMode    = "seq.ship.mode"
	AttrBatchEvents = "seq.batch.events"
	AttrBatchBytes  = "seq.batch.bytes"
	AttrFirstID     = "seq.batch.first_id"
	AttrLastID      = "seq.batch.last_id"
	AttrHTTPTarget  = "http.target"
	AttrHTTPStatus  = "http.status_code"
	AttrAttempt     = "seq.http.attempt"
)

// Span names.
const (
	SpanShipBatch = "seq.ship.batch"
	SpanHTTPSend  = "seq.http.send"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, the span already in ctx is returned.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ImportIDAttr returns an attribute for the import id.
func ImportIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrImportID, id)
}

// BatchAttrs describes one shipped batch.
func BatchAttrs(mode string, events, bytes int, firstID, lastID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrShipMode, mode),
		attribute.Int(AttrBatchEvents, events),
		attribute.Int(AttrBatchBytes, bytes),
		attribute.Int64(AttrFirstID, int64(firstID)),
		attribute.Int64(AttrLastID, int64(lastID)),
	}
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPStatusAttr returns an attribute for the HTTP status code.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

// AttemptAttr returns an attribute for the delivery attempt number.
func AttemptAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}
