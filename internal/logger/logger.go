// Package logger is the process-wide structured logger. It writes JSON to
// stdout (and optionally a file under LOG_DIR), or ships records through
// the OpenTelemetry log bridge when OTEL_ENABLED=true. Warnings and errors
// are sampled with ERROR_SAMPLE_RATE; the counters below never are.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const logFileName = "tariff-rules.json"

var levelNames = map[string]slog.Level{
	"TRACE":   LevelTrace,
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARN":    LevelWarning,
	"WARNING": LevelWarning,
	"ERROR":   LevelError,
	"FATAL":   LevelFatal,
}

var (
	Logger *slog.Logger

	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	flushOTEL    func(context.Context) error
	logFile      *os.File
)

// Counters, incremented whether or not the record is sampled
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total400Errors atomic.Int64
	Total404Errors atomic.Int64
	ItemFailures   atomic.Int64
	PoolFailures   atomic.Int64
)

// settings is what the environment asks for
type settings struct {
	level       slog.Level
	sampleRate  int32
	otel        bool
	serviceName string
	dir         string
}

func settingsFromEnv() settings {
	s := settings{
		level:       LevelInfo,
		sampleRate:  1,
		otel:        strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		serviceName: os.Getenv("OTEL_SERVICE_NAME"),
		dir:         os.Getenv("LOG_DIR"),
	}
	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		s.level = lvl
	}
	// ERROR_SAMPLE_RATE=100 keeps one warning or error in a hundred
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		s.sampleRate = int32(rate)
	}
	if s.serviceName == "" {
		s.serviceName = "tariff-rules"
	}
	return s
}

func init() {
	configure(settingsFromEnv())
}

func configure(s settings) {
	programLevel.Set(s.level)
	sampleRate.Store(s.sampleRate)

	var handler slog.Handler
	if s.otel {
		h, shutdown, err := otelHandler(context.Background(), s.serviceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "OpenTelemetry logging unavailable, using JSON: %v\n", err)
		} else {
			handler, flushOTEL = h, shutdown
		}
	}
	if handler == nil {
		handler = slog.NewJSONHandler(output(s.dir), &slog.HandlerOptions{Level: programLevel})
	}

	Logger = slog.New(&contextHandler{handler: handler})
	slog.SetDefault(Logger)
}

// output returns stdout, teed into dir/tariff-rules.json when dir is set
func output(dir string) io.Writer {
	if dir == "" {
		return os.Stdout
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot create log directory %s: %v\n", dir, err)
		return os.Stdout
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file: %v\n", err)
		return os.Stdout
	}
	logFile = f
	return io.MultiWriter(os.Stdout, f)
}

// otelHandler bridges slog into an OTLP/gRPC log exporter
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

// levelHandler applies programLevel to a handler that has no level option
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

// Shutdown flushes pending OTEL records and closes the log file
func Shutdown(ctx context.Context) error {
	if logFile != nil {
		_ = logFile.Close()
	}
	if flushOTEL != nil {
		return flushOTEL(ctx)
	}
	return nil
}

// SetLevel sets the minimum level
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the minimum level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name such as "debug" or "WARNING" to a slog.Level
func ParseLevel(name string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToUpper(name)]; ok {
		return lvl, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", name)
}

// SetLevelFromEnv reads the level from envVar, using fallback when it is
// unset or unparseable
func SetLevelFromEnv(envVar string, fallback slog.Level) {
	lvl, err := ParseLevel(os.Getenv(envVar))
	if err != nil {
		lvl = fallback
	}
	programLevel.Set(lvl)
}

func sampled() bool {
	rate := sampleRate.Load()
	return rate <= 1 || rand.Intn(int(rate)) == 0
}

// Trace logs at trace level
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a sampled warning
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error logs a sampled error
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs and exits with status 1
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// ErrorHttp5xx counts a server error response
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a client error response
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	}
}

// WarnItemFailure records one rejected context in a batch. Bad input is a
// warning, not an error, and is sampled.
func WarnItemFailure(ctx context.Context, index int, reason string) {
	ItemFailures.Add(1)
	TotalWarnings.Add(1)
	if sampled() {
		Logger.WarnContext(ctx, "item evaluation failed", "kind", "item", "index", index, "reason", reason)
	}
}

// ErrorPool records a dispatch failure. Never sampled.
func ErrorPool(ctx context.Context, err error) {
	PoolFailures.Add(1)
	TotalErrors.Add(1)
	Logger.ErrorContext(ctx, "worker pool failure", "kind", "pool", "error", err)
}
