package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/seqimport/internal/retry"
	"github.com/lsm/seqimport/internal/sink"
	"github.com/lsm/seqimport/internal/tracing"
)

const (
	// RawEventsPath is the ingestion resource, relative to the server URL.
	RawEventsPath = "api/events/raw"
	// APIKeyHeader carries the API key when one is configured.
	APIKeyHeader = "X-Seq-ApiKey"

	maxResponseBody = 64 * 1024
	defaultTimeout  = 100 * time.Second
)

// Config holds the configuration for the Seq HTTP sender.
type Config struct {
	ServerURL string
	APIKey    string
	Timeout   time.Duration
	// Retry applies to requests that received no response at all.
	Retry retry.Config
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = l
	}
}

// WithTracer sets the tracer used for per-request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sender) {
		s.tracer = t
	}
}

// WithTransport replaces the base round tripper. It is still wrapped for
// tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Sender) {
		s.base = rt
	}
}

// Sender posts batches to a Seq server's raw events endpoint.
type Sender struct {
	client   *http.Client
	base     http.RoundTripper
	endpoint string
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ sink.Sender = (*Sender)(nil)

// NewSender creates a new Seq HTTP sender.
func NewSender(cfg Config, opts ...Option) (*Sender, error) {
	endpoint, err := Endpoint(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s := &Sender{
		base:     http.DefaultTransport,
		endpoint: endpoint,
		config:   cfg,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("seq-sender"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(s.base),
	}
	return s, nil
}

// Endpoint resolves the raw events URL for a server base URL. The base may
// carry a path prefix; a trailing slash is added when missing.
func Endpoint(serverURL string) (string, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", fmt.Errorf("server url is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url %q: scheme must be http or https", serverURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q: missing host", serverURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.JoinPath(RawEventsPath).String(), nil
}

// URL returns the endpoint requests are posted to.
func (s *Sender) URL() string { return s.endpoint }

// Send posts payload to the raw events endpoint. Failures that produced no
// response are retried per Config.Retry; HTTP statuses are returned as-is.
func (s *Sender) Send(ctx context.Context, payload []byte, contentType string) (*sink.Response, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPSend,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(s.endpoint),
		),
	)
	defer span.End()

	policy := s.config.Retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("request failed; retrying",
			"target", s.endpoint,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err,
		)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	var resp *sink.Response
	attempts := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		r, err := s.doRequest(ctx, payload, contentType)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	span.SetAttributes(tracing.AttemptAttr(attempts))
	if err != nil {
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("post %s after %d attempt(s): %w", s.endpoint, attempts, err)
	}

	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))
	if resp.OK() {
		tracing.SetSpanOK(span)
	} else {
		tracing.SetSpanError(span, fmt.Errorf("http status %d", resp.StatusCode))
	}
	s.logger.Debug("request completed",
		"target", s.endpoint,
		"status", resp.StatusCode,
		"bytes", len(payload),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Close releases idle connections.
func (s *Sender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sender) doRequest(ctx context.Context, payload []byte, contentType string) (*sink.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if s.config.APIKey != "" {
		req.Header.Set(APIKeyHeader, s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	return &sink.Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
