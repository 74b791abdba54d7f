// Package klog sets up the structured logger every subsystem receives.
package klog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Init returns a text logger writing to stdout and, when path is not
// empty, appended to the file at path. An unknown level falls back to INFO
// and is reported through the new logger. The returned closer releases the
// log file.
func Init(path, level string) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}
	logger, err := New(w, level)
	if err != nil {
		logger.Warn(err.Error())
	}
	return logger, closer, nil
}

// New returns a text logger on w at the named level. On an unknown level
// the logger is still usable at INFO and the error says so.
func New(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), err
}

// ParseLevel converts DEBUG, INFO, WARN or ERROR to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q, using INFO", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
