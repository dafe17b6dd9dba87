package sink

import "context"

// Response is the server's answer to one delivery request.
type Response struct {
	StatusCode int
	// Body holds the beginning of the response body, for diagnostics.
	Body string
}

// OK reports whether the server accepted the payload.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender delivers encoded batches to an ingestion endpoint.
type Sender interface {
	// Send posts payload with the given content type. A non-nil error means
	// no response was received; any HTTP status, including failures, is
	// returned as a Response.
	Send(ctx context.Context, payload []byte, contentType string) (*Response, error)

	// Close performs graceful shutdown.
	Close() error
}
