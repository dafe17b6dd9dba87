// Package dlq records events that could not be delivered, so they can be
// inspected and re-imported after the run.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Failure reasons.
const (
	ReasonOversized = "oversized"
	ReasonRejected  = "rejected"
)

// Entry is one dead-lettered event.
type Entry struct {
	ID       uint64          `json:"id"`
	Reason   string          `json:"reason"`
	Status   int             `json:"status,omitempty"`
	Response string          `json:"response,omitempty"`
	ImportID string          `json:"importId,omitempty"`
	FailedAt time.Time       `json:"failedAt"`
	Event    json.RawMessage `json:"event"`
}

// Publisher stores dead-lettered entries.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
	Close() error
}

// FailureInfo describes why an event was dead-lettered.
type FailureInfo struct {
	Reason     string
	StatusCode int
	// Response is the server's response body, when there was one.
	Response string
}

// Handler turns failed events into entries for a Publisher.
type Handler struct {
	publisher Publisher
	importID  string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithImportID stamps every entry with the import run id.
func WithImportID(id string) Option {
	return func(h *Handler) {
		h.importID = id
	}
}

// WithClock overrides the time source for FailedAt.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send records the event with the given sequence id.
func (h *Handler) Send(ctx context.Context, id uint64, event []byte, info FailureInfo) error {
	raw := json.RawMessage(event)
	if !json.Valid(event) {
		quoted, err := json.Marshal(string(event))
		if err != nil {
			return fmt.Errorf("dlq encode event %d: %w", id, err)
		}
		raw = quoted
	}

	e := Entry{
		ID:       id,
		Reason:   info.Reason,
		Status:   info.StatusCode,
		Response: info.Response,
		ImportID: h.importID,
		FailedAt: h.now().UTC(),
		Event:    raw,
	}
	if err := h.publisher.Publish(ctx, e); err != nil {
		return fmt.Errorf("dlq publish event %d: %w", id, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// FilePublisher appends entries to a file as JSON lines.
type FilePublisher struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*FilePublisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead letter file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &FilePublisher{f: f, w: w, enc: enc}, nil
}

// Publish writes one entry and flushes it.
func (p *FilePublisher) Publish(_ context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(e); err != nil {
		return err
	}
	return p.w.Flush()
}

// Close flushes and closes the file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.Flush(); err != nil {
		_ = p.f.Close()
		return err
	}
	return p.f.Close()
}

// NoopPublisher is a Publisher that discards all entries.
// Used when no dead letter file is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, Entry) error { return nil }

func (*NoopPublisher) Close() error { return nil }
