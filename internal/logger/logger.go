// Package logger is the process-wide structured logger. It writes JSON or
// text to stdout, or bridges to OpenTelemetry when enabled, and keeps
// atomic counters of warnings and errors that are incremented even when
// the log line itself is sampled away.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// LevelFatal sits above slog.LevelError.
const LevelFatal = slog.Level(12)

// DefaultServiceName is reported as service.name and on every record.
const DefaultServiceName = "automations"

var (
	Logger *slog.Logger

	sampleRate   atomic.Int32
	programLevel = new(slog.LevelVar)
	shutdownFunc func(context.Context) error
)

// Counters are incremented regardless of sampling.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total429Errors atomic.Int64

	ExecutionFailures atomic.Int64
	WriteBackFailures atomic.Int64
	PassFailures      atomic.Int64
)

// Options configures Setup.
type Options struct {
	Level       string
	Format      string // json or text
	SampleRate  int    // log 1 of every N warnings/errors; <= 1 logs all
	OTEL        bool
	ServiceName string
	Output      io.Writer
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT, ERROR_SAMPLE_RATE,
// OTEL_ENABLED and OTEL_SERVICE_NAME.
func OptionsFromEnv() Options {
	opts := Options{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		SampleRate:  1,
		OTEL:        strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		ServiceName: os.Getenv("OTEL_SERVICE_NAME"),
	}
	if v := os.Getenv("ERROR_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			opts.SampleRate = rate
		}
	}
	return opts
}

func init() {
	if err := Setup(context.Background(), OptionsFromEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
	}
}

// Setup replaces Logger. A logger is always installed; an unknown level
// falls back to info and a failed OTEL setup falls back to the stream
// handler, and both report the error.
func Setup(ctx context.Context, opts Options) error {
	level, levelErr := ParseLevel(opts.Level)
	programLevel.Set(level)

	rate := opts.SampleRate
	if rate < 1 {
		rate = 1
	}
	sampleRate.Store(int32(rate))

	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	if shutdownFunc != nil {
		_ = shutdownFunc(ctx)
		shutdownFunc = nil
	}

	if opts.OTEL {
		handler, shutdown, err := otelHandler(ctx, opts.ServiceName)
		if err == nil {
			shutdownFunc = shutdown
			install(handler)
			return levelErr
		}
		install(streamHandler(opts))
		return errors.Join(levelErr, fmt.Errorf("failed to set up OTEL logging: %w", err))
	}

	install(streamHandler(opts).WithAttrs([]slog.Attr{slog.String("service", opts.ServiceName)}))
	return levelErr
}

func install(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

func streamHandler(opts Options) slog.Handler {
	ho := &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel.Level() <= slog.LevelDebug,
	}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(opts.Output, ho)
	}
	return slog.NewJSONHandler(opts.Output, ho)
}

func otelHandler(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	h := &levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return h, provider.Shutdown, nil
}

// levelHandler filters records below level before the OTEL bridge sees them.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter. It is a no-op otherwise.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// ParseLevel converts a level name to a slog.Level. Unknown or empty names
// return LevelInfo and, for unknown names, an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Info logs at info level. Never sampled.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts the warning and logs it subject to sampling.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error counts the error and logs it subject to sampling.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes OTEL and exits with status 1.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// ErrorHttp5xx counts a 5xx response.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a 4xx response.
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)
	if status == 429 {
		Total429Errors.Add(1)
	}
}

// ErrorExecution counts an action executor failure.
func ErrorExecution() {
	ExecutionFailures.Add(1)
	TotalErrors.Add(1)
}

// WarnWriteBack counts a firing whose timestamp could not be persisted.
func WarnWriteBack() {
	WriteBackFailures.Add(1)
	TotalWarnings.Add(1)
}

// ErrorPass counts a pass aborted because rules could not be listed.
func ErrorPass() {
	PassFailures.Add(1)
	TotalErrors.Add(1)
}

// Counts is a point-in-time copy of the counters.
type Counts struct {
	Errors            int64 `json:"errors"`
	Warnings          int64 `json:"warnings"`
	HTTP5xx           int64 `json:"http5xx"`
	HTTP4xx           int64 `json:"http4xx"`
	HTTP429           int64 `json:"http429"`
	ExecutionFailures int64 `json:"executionFailures"`
	WriteBackFailures int64 `json:"writeBackFailures"`
	PassFailures      int64 `json:"passFailures"`
}

// Snapshot reads every counter.
func Snapshot() Counts {
	return Counts{
		Errors:            TotalErrors.Load(),
		Warnings:          TotalWarnings.Load(),
		HTTP5xx:           Total5xxErrors.Load(),
		HTTP4xx:           Total4xxErrors.Load(),
		HTTP429:           Total429Errors.Load(),
		ExecutionFailures: ExecutionFailures.Load(),
		WriteBackFailures: WriteBackFailures.Load(),
		PassFailures:      PassFailures.Load(),
	}
}
