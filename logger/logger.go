// Package logger provides the structured logging interface used across the
// session pool packages, backed by zerolog. Loggers can write JSON or
// human-readable console output and optionally mirror entries into daily
// rotated files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Implementations write log
// entries at different levels and support attaching structured fields.
// Components derive scoped loggers with With (e.g. per pool or per handle).
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles).
	// It is safe to call multiple times.
	Close() error
}

// Config selects the output of a Logger built with New.
type Config struct {
	// Service is added as the "service" field of every entry.
	Service string `toml:"service"`
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	Level string `toml:"level"`
	// Format is "json" (default) or "console".
	Format string `toml:"format"`
	// Dir, when set, additionally writes entries to daily rotated files.
	Dir string `toml:"dir"`
}

// DefaultConfig returns a Config logging JSON at info level to stdout.
//
// Parameters:
//   - service: The service name attached to every entry
//
// Returns:
//   - A Config with Level "info" and Format "json"
func DefaultConfig(service string) Config {
	return Config{
		Service: service,
		Level:   "info",
		Format:  "json",
	}
}

// New builds a zerolog-backed Logger from cfg.
//
// Parameters:
//   - cfg: Output configuration
//
// Returns:
//   - The Logger, or an error if the level is unknown or the log directory
//     cannot be prepared
func New(cfg Config) (Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}

		level = parsed
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	if cfg.Dir == "" {
		return NewZerologLogger(zerolog.New(out), cfg.Service, level), nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(cfg.Service, cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	return &zerologLogger{
		logger:         newZerolog(io.MultiWriter(out, fileWriter), cfg.Service, level),
		fileWriter:     fileWriter,
		ownsFileWriter: true,
	}, nil
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

func newZerolog(w io.Writer, serviceName string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).With().Str("service", serviceName).Timestamp().Logger().Level(level)
}

// NewZerologLogger wraps l, adding a service name and timestamp to every
// entry and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewNopLogger returns a Logger that discards everything. Components use it
// when the caller did not supply a logger.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}

	return nil
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}

		m[f.Key] = f.Value
	}

	return m
}
