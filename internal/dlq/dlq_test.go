package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mockPublisher struct {
	published []Entry
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, e)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

var fixedTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

func TestSend_PopulatesEntry(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub, WithImportID("run-1"), WithClock(func() time.Time { return fixedTime }))

	err := h.Send(context.Background(), 50, []byte(`{"@t":"2024-03-01T09:00:00.0000000Z","@m":"bad"}`), FailureInfo{
		Reason:     ReasonRejected,
		StatusCode: 400,
		Response:   `{"Error":"invalid event"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published entry, got %d", len(pub.published))
	}
	e := pub.published[0]
	if e.ID != 50 {
		t.Errorf("id = %d, want 50", e.ID)
	}
	if e.Reason != ReasonRejected || e.Status != 400 {
		t.Errorf("reason/status = %s/%d", e.Reason, e.Status)
	}
	if e.Response != `{"Error":"invalid event"}` {
		t.Errorf("response = %s", e.Response)
	}
	if e.ImportID != "run-1" {
		t.Errorf("import id = %s", e.ImportID)
	}
	if !e.FailedAt.Equal(fixedTime) || e.FailedAt.Location() != time.UTC {
		t.Errorf("failed at = %v, want %v in UTC", e.FailedAt, fixedTime)
	}
	if string(e.Event) != `{"@t":"2024-03-01T09:00:00.0000000Z","@m":"bad"}` {
		t.Errorf("event = %s", e.Event)
	}
}

func TestSend_NonJSONEventQuoted(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub)

	if err := h.Send(context.Background(), 1, []byte(`not json`), FailureInfo{Reason: ReasonOversized}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(pub.published[0].Event) != `"not json"` {
		t.Errorf("event = %s", pub.published[0].Event)
	}
}

func TestSend_PublisherError(t *testing.T) {
	pub := &mockPublisher{err: fmt.Errorf("disk full")}
	h := NewHandler(pub)

	err := h.Send(context.Background(), 7, []byte(`{}`), FailureInfo{Reason: ReasonOversized})
	if err == nil {
		t.Fatal("expected error when publisher fails")
	}
}

func TestFilePublisher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	pub, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := NewHandler(pub, WithImportID("run-2"))

	if err := h.Send(context.Background(), 3, []byte(`{"@m":"<big>"}`), FailureInfo{Reason: ReasonOversized}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.Send(context.Background(), 9, []byte(`{"@m":"x"}`), FailureInfo{Reason: ReasonRejected, StatusCode: 413}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entries))
	}
	if entries[0].ID != 3 || entries[0].Reason != ReasonOversized || entries[0].Status != 0 {
		t.Errorf("first entry = %+v", entries[0])
	}
	if string(entries[0].Event) != `{"@m":"<big>"}` {
		t.Errorf("event was escaped: %s", entries[0].Event)
	}
	if entries[1].ID != 9 || entries[1].Status != 413 || entries[1].ImportID != "run-2" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestFilePublisher_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pub, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pub.Publish(context.Background(), Entry{ID: 2, Event: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines after append, got %d: %s", lines, data)
	}
}

func TestOpenFile_BadPath(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing", "dead.jsonl")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestNoopPublisher_WithHandler(t *testing.T) {
	h := NewHandler(&NoopPublisher{})
	if err := h.Send(context.Background(), 1, []byte(`{}`), FailureInfo{Reason: ReasonRejected}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
