package buffer

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lsm/seqimport/internal/observability"
	"github.com/lsm/seqimport/internal/source"
)

// sliceSource yields records of the given sizes with ids 1..n.
type sliceSource struct {
	records []source.Record
	pulls   int
	err     error
}

func newSliceSource(sizes ...int) *sliceSource {
	s := &sliceSource{}
	for i, n := range sizes {
		s.records = append(s.records, source.Record{ID: uint64(i + 1), Value: bytes.Repeat([]byte("x"), n)})
	}
	return s
}

func (s *sliceSource) Next() (source.Record, bool, error) {
	if s.pulls >= len(s.records) {
		if s.err != nil {
			return source.Record{}, false, s.err
		}
		return source.Record{}, false, nil
	}
	rec := s.records[s.pulls]
	s.pulls++
	return rec, true, nil
}

func ids(recs []source.Record) []uint64 {
	out := make([]uint64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func mustPeek(t *testing.T, w *Window, budget, overhead, max int) []source.Record {
	t.Helper()
	recs, err := w.Peek(budget, overhead, max)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	return recs
}

func TestPeek_RespectsBudget(t *testing.T) {
	src := newSliceSource(10, 10, 10, 10)
	w := New(src)

	got := mustPeek(t, w, 25, 1, 100)
	if !reflect.DeepEqual(ids(got), []uint64{1, 2}) {
		t.Fatalf("first peek = %v, want [1 2]", ids(got))
	}
	// The record that overflowed the budget is kept for the next batch.
	if w.Len() != 3 {
		t.Errorf("buffered = %d, want 3", w.Len())
	}

	again := mustPeek(t, w, 25, 1, 100)
	if !reflect.DeepEqual(ids(again), []uint64{1, 2}) {
		t.Fatalf("repeat peek = %v, want [1 2]", ids(again))
	}
	if src.pulls != 3 {
		t.Errorf("source pulled %d times, want 3 (a full window must not read ahead)", src.pulls)
	}

	w.DiscardThrough(2)
	got = mustPeek(t, w, 25, 1, 100)
	if !reflect.DeepEqual(ids(got), []uint64{3, 4}) {
		t.Fatalf("after discard = %v, want [3 4]", ids(got))
	}

	w.DiscardThrough(4)
	if got := mustPeek(t, w, 25, 1, 100); len(got) != 0 {
		t.Fatalf("expected empty peek on exhausted source, got %v", ids(got))
	}
}

func TestPeek_NeverExceedsBudgetBeyondFirst(t *testing.T) {
	sizes := []int{3, 17, 8, 40, 1, 1, 25, 9, 12, 30, 2}
	const budget, overhead = 40, 2
	w := New(newSliceSource(sizes...))

	seen := 0
	for {
		recs := mustPeek(t, w, budget, overhead, 100)
		if len(recs) == 0 {
			break
		}
		total := -overhead
		for _, r := range recs {
			total += overhead + len(r.Value)
		}
		if len(recs) > 1 && total > budget {
			t.Errorf("batch %v costs %d, over budget %d", ids(recs), total, budget)
		}
		seen += len(recs)
		w.DiscardThrough(recs[len(recs)-1].ID)
	}
	if seen != len(sizes) {
		t.Errorf("delivered %d records, want %d", seen, len(sizes))
	}
}

func TestPeek_FirstRecordAlwaysIncluded(t *testing.T) {
	w := New(newSliceSource(50, 5))
	got := mustPeek(t, w, 20, 1, 100)
	if !reflect.DeepEqual(ids(got), []uint64{1}) {
		t.Fatalf("got %v, want [1]", ids(got))
	}
}

func TestPeek_SkipsOversized(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	var skipped []uint64
	w := New(newSliceSource(5, 200, 5),
		WithMetrics(m),
		WithOversizedHandler(func(r source.Record) { skipped = append(skipped, r.ID) }),
	)

	got := mustPeek(t, w, 1000, 1, 100)
	if !reflect.DeepEqual(ids(got), []uint64{1, 3}) {
		t.Fatalf("got %v, want [1 3]", ids(got))
	}
	if !reflect.DeepEqual(skipped, []uint64{2}) {
		t.Errorf("oversized handler saw %v, want [2]", skipped)
	}
	if w.Len() != 2 {
		t.Errorf("oversized record was buffered: len=%d", w.Len())
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(observability.OutcomeOversized)); got != 1 {
		t.Errorf("oversized metric = %v, want 1", got)
	}
}

func TestDiscardThrough_Monotonic(t *testing.T) {
	w := New(newSliceSource(1, 1, 1, 1, 1))
	mustPeek(t, w, 3, 0, 10)

	w.DiscardThrough(2)
	w.DiscardThrough(1)
	w.DiscardThrough(2)
	if w.Checkpoint() != 2 {
		t.Fatalf("checkpoint = %d, want 2", w.Checkpoint())
	}

	for {
		recs := mustPeek(t, w, 3, 0, 10)
		if len(recs) == 0 {
			break
		}
		for _, r := range recs {
			if r.ID <= w.Checkpoint() {
				t.Fatalf("peek returned %d at or below checkpoint %d", r.ID, w.Checkpoint())
			}
		}
		w.DiscardThrough(recs[0].ID)
	}
	if w.Checkpoint() != 5 {
		t.Errorf("final checkpoint = %d, want 5", w.Checkpoint())
	}
}

func TestPeek_PropagatesSourceError(t *testing.T) {
	src := newSliceSource(1)
	src.err = errors.New("disk on fire")
	w := New(src)

	if _, err := w.Peek(100, 0, 100); err == nil {
		t.Fatal("expected source error")
	}
}
