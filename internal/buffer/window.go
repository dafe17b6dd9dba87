// Package buffer turns a lazy, push-only record source into a replayable,
// byte-budgeted batch source.
//
// A Window keeps every record it has pulled until the checkpoint moves past
// it, so a batch that was not confirmed can be peeked again, whole or one
// record at a time.
package buffer

import (
	"log/slog"

	"github.com/google/btree"

	"github.com/lsm/seqimport/internal/observability"
	"github.com/lsm/seqimport/internal/source"
)

const btreeDegree = 32

// Option configures a Window.
type Option func(*Window)

// WithLogger sets the logger used for skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) {
		w.logger = l
	}
}

// WithMetrics records oversized records.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Window) {
		w.metrics = m
	}
}

// WithOversizedHandler is called for every record skipped for exceeding the
// per-event limit.
func WithOversizedHandler(fn func(source.Record)) Option {
	return func(w *Window) {
		w.onOversized = fn
	}
}

// Window buffers undelivered records in id order.
type Window struct {
	src         source.Source
	entries     *btree.BTreeG[source.Record]
	checkpoint  uint64
	exhausted   bool
	logger      *slog.Logger
	metrics     *observability.Metrics
	onOversized func(source.Record)
}

// New creates a Window that pulls from src on demand.
func New(src source.Source, opts ...Option) *Window {
	w := &Window{
		src: src,
		entries: btree.NewG(btreeDegree, func(a, b source.Record) bool {
			return a.ID < b.ID
		}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Peek returns, in id order, the records that fit in budgetBytes when each
// one is charged its length plus overheadBytes. Buffered records come first;
// the source is read only when they leave room. The first record is always
// returned, whatever its size. Records longer than maxEventBytes are skipped
// and never buffered.
//
// Peek returns an empty slice only when the window is empty and the source
// is exhausted.
func (w *Window) Peek(budgetBytes, overheadBytes, maxEventBytes int) ([]source.Record, error) {
	var out []source.Record
	total := -overheadBytes
	full := false

	w.entries.Ascend(func(rec source.Record) bool {
		total += overheadBytes + len(rec.Value)
		if len(out) != 0 && total > budgetBytes {
			full = true
			return false
		}
		out = append(out, rec)
		return true
	})

	for !full && !w.exhausted {
		rec, ok, err := w.src.Next()
		if err != nil {
			w.exhausted = true
			return nil, err
		}
		if !ok {
			w.exhausted = true
			break
		}
		if rec.ID <= w.checkpoint {
			continue
		}
		if len(rec.Value) > maxEventBytes {
			w.logger.Warn("oversized event will be skipped",
				"id", rec.ID,
				"bytes", len(rec.Value),
				"limit", maxEventBytes,
				"payload", string(rec.Value),
			)
			w.metrics.RecordEvent(observability.OutcomeOversized)
			if w.onOversized != nil {
				w.onOversized(rec)
			}
			continue
		}

		total += overheadBytes + len(rec.Value)
		w.entries.ReplaceOrInsert(rec)
		if len(out) != 0 && total > budgetBytes {
			full = true
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// DiscardThrough removes every buffered record with an id up to and
// including id, advancing the checkpoint. Ids at or below the current
// checkpoint are a no-op.
func (w *Window) DiscardThrough(id uint64) {
	if id <= w.checkpoint {
		return
	}
	w.checkpoint = id
	for {
		rec, ok := w.entries.Min()
		if !ok || rec.ID > id {
			return
		}
		w.entries.DeleteMin()
	}
}

// Checkpoint returns the highest id discarded so far.
func (w *Window) Checkpoint() uint64 { return w.checkpoint }

// Len returns the number of buffered records.
func (w *Window) Len() int { return w.entries.Len() }
