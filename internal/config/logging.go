package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger. Records go to console, as text when
// text is set and as JSON otherwise; when cfg.File is set they are also appended
// to that file as JSON. The returned func closes the file.
func SetupLogger(console io.Writer, cfg LogConfig, text bool) (*slog.Logger, func() error) {
	consoleHandler := newHandler(console, cfg.Level, text)
	if cfg.File == "" {
		return slog.New(consoleHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("failed to open log file, logging to console only", "error", err, "file", cfg.File)
		return logger, func() error { return nil }
	}

	return SetupLoggerWithWriters(console, file, cfg.Level, text), file.Close
}

// SetupLoggerWithWriters fans records out to console and a JSON file writer.
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level, text bool) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(newHandler(console, level, text), fileHandler))
}

func newHandler(w io.Writer, level slog.Level, text bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if text {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
