package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mercator-hq/aegis/pkg/config"
)

// LogFormat represents the output format for logs.
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON LogFormat = "json"
	// FormatText outputs logs in logfmt-style text.
	FormatText LogFormat = "text"
	// FormatConsole outputs text without timestamps, for terminals.
	FormatConsole LogFormat = "console"
)

// Config contains configuration for New.
type Config struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string

	// Format is the output format ("json", "text", "console").
	Format string

	// AddSource includes file and line number in logs.
	AddSource bool

	// Redact masks secret-looking attributes. Nil disables redaction.
	Redact *Redactor

	// Writer is the output writer (defaults to os.Stderr).
	Writer io.Writer
}

// FromConfig converts the logging section of the process configuration.
// Redaction is always on for process loggers.
func FromConfig(cfg config.LoggingConfig) Config {
	return Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		AddSource: cfg.AddSource,
		Redact:    NewRedactor(),
	}
}

// New creates a structured logger. The returned logger decorates records
// with the run, tenant, policy, request and trace identifiers carried by the
// context passed to the *Context logging methods.
func New(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}
	var replace []func([]string, slog.Attr) slog.Attr
	if cfg.Redact != nil {
		replace = append(replace, cfg.Redact.ReplaceAttr)
	}
	if format == FormatConsole {
		replace = append(replace, dropTime)
	}
	if len(replace) > 0 {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			for _, fn := range replace {
				a = fn(groups, a)
			}
			return a
		}
	}

	var handler slog.Handler
	switch format {
	case FormatText, FormatConsole:
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(&contextHandler{next: handler}), nil
}

// Install creates a logger from the process configuration and makes it the
// slog default, so components that fall back to slog.Default pick it up.
func Install(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	c := FromConfig(cfg)
	c.Writer = w
	logger, err := New(c)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// parseLevel parses a log level string into slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// parseFormat parses a log format string into LogFormat.
func parseFormat(formatStr string) (LogFormat, error) {
	switch strings.ToLower(formatStr) {
	case "json", "":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	case "console":
		return FormatConsole, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format: %s", formatStr)
	}
}
