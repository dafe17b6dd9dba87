package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/seqimport/internal/buffer"
	"github.com/lsm/seqimport/internal/clef"
	"github.com/lsm/seqimport/internal/config"
	"github.com/lsm/seqimport/internal/dlq"
	"github.com/lsm/seqimport/internal/observability"
	"github.com/lsm/seqimport/internal/ratelimit"
	"github.com/lsm/seqimport/internal/shipper"
	sinkhttp "github.com/lsm/seqimport/internal/sink/http"
	"github.com/lsm/seqimport/internal/source"
	"github.com/lsm/seqimport/internal/tracing"
)

// ImportUsage is printed for -h and for missing arguments.
const ImportUsage = `Usage: seq-import <file> [<server>] [flags]

Imports a newline-delimited JSON log file into Seq.

Arguments:
  <file>                  The file to import.
  <server>                The Seq server URL (or serverUrl in --config, or SEQ_SERVER_URL).

Flags:
  --apikey <key>          Seq API key (or SEQ_API_KEY)
  --compact-input         Read <file> as compact JSON (CLEF)
  --compact-output        Post events to Seq as compact JSON (CLEF)
  --input-format <fmt>    auto, expanded or compact (default: expanded)
  --p:<key>=<value>       Add a property to every imported event; repeatable
  --property:<key>=<value>
  --config <path>         YAML configuration file
  --payload-limit <bytes> Maximum request size (default: 1048576)
  --event-limit <bytes>   Maximum event size; larger events are skipped (default: 262144)
  --filter <cel>          Import only events for which the CEL expression is true
  --dead-letter <path>    Append skipped and rejected events to this JSON-lines file
  --invalid-events <p>    abort or skip events that cannot be converted (default: abort)
  --rate <n>              Maximum requests per second (default: unlimited)
  --metrics-addr <addr>   Serve /metrics, /healthz and /readyz on this address
  --log-level <level>     debug, info, warn or error (default: info)

Examples:
  seq-import app.json http://localhost:5341
  seq-import app.clef https://seq.example.com --apikey abc123 --compact-input --compact-output
  seq-import app.json http://localhost:5341 --p:Environment=Staging --p:Host=web-01`

// ImportIDProperty is added to every event of a run.
const ImportIDProperty = "ImportId"

var boolFlags = map[string]bool{
	"compact-input":  true,
	"compact-output": true,
}

var valueFlags = map[string]bool{
	"apikey":         true,
	"input-format":   true,
	"config":         true,
	"payload-limit":  true,
	"event-limit":    true,
	"filter":         true,
	"dead-letter":    true,
	"invalid-events": true,
	"rate":           true,
	"metrics-addr":   true,
	"log-level":      true,
}

// tag is one --p:<key>=<value> argument.
type tag struct {
	name, value string
}

// importArgs is the parsed command line.
type importArgs struct {
	file   string
	server string
	flags  map[string]string
	bools  map[string]bool
	tags   []tag
}

// RunImport imports one file. It stops between requests on SIGINT/SIGTERM.
func RunImport(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(ImportUsage)
		return nil
	}

	parsed, err := parseImportArgs(args)
	if err != nil {
		return fmt.Errorf("%w\n\n%s", err, ImportUsage)
	}
	cfg, err := buildConfig(parsed)
	if err != nil {
		return err
	}

	ctx, stop := interruptContext(context.Background())
	defer stop()

	_, err = runImport(ctx, parsed.file, cfg, os.Stdout)
	var interrupted *InterruptedError
	if err != nil && errors.As(context.Cause(ctx), &interrupted) {
		return fmt.Errorf("%w: %w", interrupted, err)
	}
	return err
}

func parseImportArgs(args []string) (*importArgs, error) {
	out := &importArgs{
		flags: make(map[string]string),
		bools: make(map[string]bool),
	}
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case hasPrefixFold(arg, "--p:") || hasPrefixFold(arg, "--property:"):
			if t, ok := parseTag(arg); ok {
				out.tags = append(out.tags, t)
			}
		case strings.HasPrefix(arg, "--"):
			name, value, hasValue := strings.Cut(arg[2:], "=")
			if boolFlags[name] {
				if hasValue {
					return nil, fmt.Errorf("flag --%s does not take a value", name)
				}
				out.bools[name] = true
				continue
			}
			if !valueFlags[name] {
				return nil, fmt.Errorf("unknown flag --%s", name)
			}
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("flag --%s requires a value", name)
				}
				i++
				value = args[i]
			}
			out.flags[name] = value
		default:
			positional = append(positional, arg)
		}
	}

	switch len(positional) {
	case 0:
		return nil, errors.New("missing <file> argument")
	case 1:
		out.file = positional[0]
	case 2:
		out.file, out.server = positional[0], positional[1]
	default:
		return nil, fmt.Errorf("unexpected argument %q", positional[2])
	}
	return out, nil
}

// parseTag splits --p:<key>=<value>. The value runs to the end of the
// argument and may itself contain '=' or ':'. Arguments without '=' are
// ignored.
func parseTag(arg string) (tag, bool) {
	_, rest, _ := strings.Cut(arg, ":")
	name, value, ok := strings.Cut(rest, "=")
	if !ok || name == "" {
		return tag{}, false
	}
	return tag{name: name, value: value}, true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// buildConfig layers defaults, the config file, the environment and the
// command line, then validates the result.
func buildConfig(a *importArgs) (*config.Config, error) {
	cfg := config.Default()
	if path := a.flags["config"]; path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if a.server != "" {
		cfg.ServerURL = a.server
	}
	if v, ok := a.flags["apikey"]; ok {
		cfg.APIKey = v
	}
	if v, ok := a.flags["input-format"]; ok {
		cfg.InputFormat = v
	}
	if a.bools["compact-input"] {
		cfg.InputFormat = config.InputCompact
	}
	if a.bools["compact-output"] {
		cfg.CompactOutput = true
	}
	if v, ok := a.flags["filter"]; ok {
		cfg.Filter = v
	}
	if v, ok := a.flags["dead-letter"]; ok {
		cfg.DeadLetterPath = v
	}
	if v, ok := a.flags["invalid-events"]; ok {
		cfg.InvalidEvents = v
	}
	if v, ok := a.flags["metrics-addr"]; ok {
		cfg.MetricsAddr = v
	}
	if v, ok := a.flags["log-level"]; ok {
		cfg.LogLevel = v
	}

	var err error
	if cfg.PayloadLimitBytes, err = intFlag(a.flags, "payload-limit", cfg.PayloadLimitBytes); err != nil {
		return nil, err
	}
	if cfg.EventBodyLimitBytes, err = intFlag(a.flags, "event-limit", cfg.EventBodyLimitBytes); err != nil {
		return nil, err
	}
	if v, ok := a.flags["rate"]; ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for --rate: %w", err)
		}
		cfg.RequestsPerSecond = rps
	}

	for _, t := range a.tags {
		cfg.SetProperty(t.name, t.value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func intFlag(flags map[string]string, name string, current int) (int, error) {
	v, ok := flags[name]
	if !ok {
		return current, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for --%s: must be an integer", name)
	}
	return n, nil
}

// runImport wires one run and ships file to the configured server. Logs go
// to out.
func runImport(ctx context.Context, file string, cfg *config.Config, out io.Writer) (shipper.Result, error) {
	logger := observability.NewLoggerTo(out, "seq-import", observability.GetLogLevel(cfg.LogLevel))
	importID := uuid.NewString()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthServer()

	if cfg.MetricsAddr != "" {
		srv, addr, err := serveMetrics(cfg.MetricsAddr, reg, health, logger)
		if err != nil {
			return shipper.Result{}, err
		}
		logger.Info("metrics server listening", "addr", addr.String())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	tcfg := tracing.GetConfig("seq-import")
	tcfg.Attributes = append(tcfg.Attributes, tracing.ImportIDAttr(importID))
	tracer, shutdownTracing, err := tracing.Initialize(ctx, tcfg, logger)
	if err != nil {
		return shipper.Result{}, fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	inFormat, detect, err := cfg.Input()
	if err != nil {
		return shipper.Result{}, err
	}
	formatName := inFormat.String()
	if detect {
		formatName = config.InputAuto
	}

	props := append([]clef.Property{{Name: ImportIDProperty, Value: importID}}, cfg.PropertyList()...)
	if len(cfg.Properties) > 0 {
		logger.Info("adding tags to import", "tags", cfg.Properties)
	}

	logger.Info("opening log file", "file", filepath.Base(file), "format", formatName)
	reader, err := source.Open(file, source.ReaderConfig{
		InputFormat:  inFormat,
		DetectInput:  detect,
		OutputFormat: cfg.Output(),
		Properties:   props,
		Filter:       cfg.Filter,
		SkipInvalid:  cfg.InvalidEvents == config.InvalidSkip,
	}, source.WithLogger(logger), source.WithMetrics(metrics))
	if err != nil {
		return shipper.Result{}, err
	}
	defer func() { _ = reader.Close() }()

	var pub dlq.Publisher = &dlq.NoopPublisher{}
	if cfg.DeadLetterPath != "" {
		fp, err := dlq.OpenFile(cfg.DeadLetterPath)
		if err != nil {
			return shipper.Result{}, err
		}
		pub = fp
	}
	deadLetter := dlq.NewHandler(pub, dlq.WithImportID(importID))
	defer func() {
		if err := deadLetter.Close(); err != nil {
			logger.Error("dead letter close error", "error", err)
		}
	}()

	window := buffer.New(reader,
		buffer.WithLogger(logger),
		buffer.WithMetrics(metrics),
		buffer.WithOversizedHandler(func(rec source.Record) {
			if err := deadLetter.Send(ctx, rec.ID, rec.Value, dlq.FailureInfo{Reason: dlq.ReasonOversized}); err != nil {
				logger.Error("dead letter write failed", "id", rec.ID, "error", err)
			}
		}),
	)

	sender, err := sinkhttp.NewSender(sinkhttp.Config{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
		Retry:     cfg.RetryPolicy(),
	}, sinkhttp.WithLogger(logger), sinkhttp.WithTracer(tracer))
	if err != nil {
		return shipper.Result{}, err
	}
	defer func() { _ = sender.Close() }()

	shp, err := shipper.New(cfg.ShipperConfig(importID), window, sender,
		shipper.WithLogger(logger),
		shipper.WithMetrics(metrics),
		shipper.WithTracer(tracer),
		shipper.WithLimiter(ratelimit.New(cfg.RequestsPerSecond, 0)),
		shipper.WithDeadLetter(deadLetter),
	)
	if err != nil {
		return shipper.Result{}, err
	}

	start := time.Now()
	logger.Info("starting import", "import_id", importID, "target", sender.URL())
	health.SetPhase(observability.PhaseImporting)

	res, err := shp.Run(ctx)
	if err != nil {
		health.SetPhase(observability.PhaseFailed)
		logger.Error("could not complete import",
			"import_id", importID,
			"checkpoint", res.Checkpoint,
			"error", err,
		)
		return res, err
	}

	health.SetPhase(observability.PhaseComplete)
	logger.Info("import completed",
		"import_id", importID,
		"elapsed", time.Since(start).String(),
		"events", res.Delivered,
		"rejected", res.Rejected,
		"bytes", res.BytesSent,
		"requests", res.Requests,
	)
	return res, nil
}

// serveMetrics starts the metrics and health server in the background.
func serveMetrics(addr string, reg *prometheus.Registry, health *observability.HealthServer, logger *slog.Logger) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv, ln.Addr(), nil
}
