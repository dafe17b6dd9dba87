// Package config holds the settings of one import run: defaults, an optional
// YAML file, environment overrides and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/seqimport/internal/clef"
	"github.com/lsm/seqimport/internal/retry"
	"github.com/lsm/seqimport/internal/shipper"
	sinkhttp "github.com/lsm/seqimport/internal/sink/http"
)

// Input format names.
const (
	InputAuto     = "auto"
	InputExpanded = "expanded"
	InputCompact  = "compact"
)

// Invalid event policies.
const (
	InvalidAbort = "abort"
	InvalidSkip  = "skip"
)

// Environment variables read by ApplyEnv.
const (
	EnvServerURL   = "SEQ_SERVER_URL"
	EnvAPIKey      = "SEQ_API_KEY"
	EnvLogLevel    = "SEQ_IMPORT_LOG_LEVEL"
	EnvMetricsAddr = "SEQ_IMPORT_METRICS_ADDR"
)

// Config is the configuration of one import run.
type Config struct {
	ServerURL string `yaml:"serverUrl"`
	APIKey    string `yaml:"apiKey"`

	// InputFormat is auto, expanded or compact.
	InputFormat string `yaml:"inputFormat"`
	// CompactOutput sends CLEF instead of the expanded array envelope.
	CompactOutput bool `yaml:"compactOutput"`
	// Properties are added to every event.
	Properties map[string]string `yaml:"properties"`

	PayloadLimitBytes   int `yaml:"payloadLimitBytes"`
	EventBodyLimitBytes int `yaml:"eventBodyLimitBytes"`
	IsolationBudget     int `yaml:"isolationBudget"`

	// Filter is a CEL expression over event and line; false drops the line.
	Filter string `yaml:"filter"`
	// InvalidEvents is abort or skip.
	InvalidEvents  string `yaml:"invalidEvents"`
	DeadLetterPath string `yaml:"deadLetterPath"`

	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`

	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
}

// RetryConfig controls retries of requests that received no response.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	r := retry.DefaultConfig()
	return &Config{
		InputFormat:         InputExpanded,
		PayloadLimitBytes:   shipper.DefaultPayloadLimitBytes,
		EventBodyLimitBytes: shipper.DefaultEventBodyLimitBytes,
		IsolationBudget:     shipper.DefaultIsolationBudget,
		InvalidEvents:       InvalidAbort,
		Timeout:             100 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval,
			MaxInterval:     r.MaxInterval,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment when the variables are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
}

// SetProperty adds or replaces one property.
func (c *Config) SetProperty(name, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[name] = value
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, errors.New("server url is required"))
	} else if _, err := sinkhttp.Endpoint(c.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.Input(); err != nil {
		errs = append(errs, err)
	}
	if c.InvalidEvents != InvalidAbort && c.InvalidEvents != InvalidSkip {
		errs = append(errs, fmt.Errorf("invalidEvents must be %q or %q, got %q", InvalidAbort, InvalidSkip, c.InvalidEvents))
	}
	if c.PayloadLimitBytes <= 0 {
		errs = append(errs, fmt.Errorf("payloadLimitBytes must be positive, got %d", c.PayloadLimitBytes))
	}
	if c.EventBodyLimitBytes <= 0 {
		errs = append(errs, fmt.Errorf("eventBodyLimitBytes must be positive, got %d", c.EventBodyLimitBytes))
	}
	if c.EventBodyLimitBytes > 0 && c.PayloadLimitBytes > 0 && c.EventBodyLimitBytes > c.PayloadLimitBytes {
		errs = append(errs, fmt.Errorf("eventBodyLimitBytes (%d) must not exceed payloadLimitBytes (%d)", c.EventBodyLimitBytes, c.PayloadLimitBytes))
	}
	if c.IsolationBudget <= 0 {
		errs = append(errs, fmt.Errorf("isolationBudget must be positive, got %d", c.IsolationBudget))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requestsPerSecond must not be negative, got %g", c.RequestsPerSecond))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	for name := range c.Properties {
		if name == "" {
			errs = append(errs, errors.New("property names must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

// Input returns the declared input format, or detect=true for auto.
func (c *Config) Input() (format clef.Format, detect bool, err error) {
	switch strings.ToLower(strings.TrimSpace(c.InputFormat)) {
	case InputAuto:
		return clef.Expanded, true, nil
	case "":
		return clef.Expanded, false, nil
	}
	f, err := clef.ParseFormat(c.InputFormat)
	if err != nil {
		return 0, false, fmt.Errorf("inputFormat: %w", err)
	}
	return f, false, nil
}

// Output returns the event shape sent to the server.
func (c *Config) Output() clef.Format {
	if c.CompactOutput {
		return clef.Compact
	}
	return clef.Expanded
}

// PropertyList returns the properties sorted by name.
func (c *Config) PropertyList() []clef.Property {
	names := make([]string, 0, len(c.Properties))
	for name := range c.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]clef.Property, 0, len(names))
	for _, name := range names {
		out = append(out, clef.Property{Name: name, Value: c.Properties[name]})
	}
	return out
}

// RetryPolicy converts the retry settings for the sender.
func (c *Config) RetryPolicy() retry.Config {
	p := retry.DefaultConfig()
	p.MaxAttempts = c.Retry.MaxAttempts
	if c.Retry.InitialInterval > 0 {
		p.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		p.MaxInterval = c.Retry.MaxInterval
	}
	return p
}

// ShipperConfig converts the delivery settings for the shipper.
func (c *Config) ShipperConfig(importID string) shipper.Config {
	return shipper.Config{
		Envelope:            shipper.EnvelopeFor(c.CompactOutput),
		PayloadLimitBytes:   c.PayloadLimitBytes,
		EventBodyLimitBytes: c.EventBodyLimitBytes,
		IsolationBudget:     c.IsolationBudget,
		ImportID:            importID,
	}
}
