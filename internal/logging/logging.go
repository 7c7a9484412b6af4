package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"reimage/internal/config"
)

// Setup installs the process-wide logger: stdout plus an optional daily file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("reimage-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(io.MultiWriter(writers...), level)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
	)
	return logger, nil
}

// TraditionalHandler renders records as "[LEVEL] message [k=v ...]" through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

// NewTraditionalHandler writes to w with date/time prefixes.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &cp
}

// Groups are flattened.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns logger, or the process default when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// LogInvocationStart logs the launch of one engine run.
func LogInvocationStart(logger *slog.Logger, id, mode string, width, height int, args []string) {
	logger.Info("engine invocation started",
		"id", id,
		"mode", mode,
		"size", fmt.Sprintf("%dx%d", width, height),
		"image_bytes", humanize.Bytes(uint64(width*height*3)),
		"args", strings.Join(args, " "),
	)
}

// LogInvocationComplete logs a successful engine run.
func LogInvocationComplete(logger *slog.Logger, id string, duration time.Duration, foreground, total int) {
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(foreground) / float64(total)
	}
	logger.Info("engine invocation completed",
		"id", id,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"foreground", foreground,
		"foreground_pct", fmt.Sprintf("%.1f", pct),
	)
}

// LogInvocationError logs a failed engine run.
func LogInvocationError(logger *slog.Logger, id string, duration time.Duration, err error) {
	logger.Error("engine invocation failed",
		"id", id,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogEngineStatus logs engine binary detection.
func LogEngineStatus(logger *slog.Logger, path string, available bool, err error) {
	if available {
		logger.Debug("engine detected", "path", path)
	} else {
		logger.Warn("engine not available", "path", path, "error", err)
	}
}

// LogBufferWritten logs one interchange file written to disk.
func LogBufferWritten(logger *slog.Logger, path string, size int) {
	logger.Debug("buffer written", "path", path, "size", humanize.Bytes(uint64(size)))
}
