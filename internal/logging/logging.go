package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger bundles a slog.Logger with the level it filters at, so the level
// can change while the process runs.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New creates a slog.Logger writing text or json to w (stderr when nil).
func New(level, format string, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return Logger{Logger: slog.New(handler), Level: lv}
}

// SetLevel applies a level string such as "debug" or "warn".
func (l Logger) SetLevel(level string) {
	l.Level.Set(ParseLevel(level))
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
