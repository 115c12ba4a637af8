package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Log output formats accepted by NewHandler.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatTint = "tint"
)

// ParseLevel accepts the slog level names (debug, info, warn, error),
// case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// NewHandler builds the process log handler, wrapped in a CorrelationHandler.
func NewHandler(format string, level slog.Level, w io.Writer) (slog.Handler, error) {
	var inner slog.Handler
	switch strings.ToLower(format) {
	case FormatText, "":
		inner = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case FormatJSON:
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatTint:
		inner = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return NewCorrelationHandler(inner), nil
}
