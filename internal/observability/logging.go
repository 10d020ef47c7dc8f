package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/pecahub/platelookup/internal/config"
)

// NewLogger creates the process logger on stdout. The returned LevelVar
// lets a config reload change logging.level without rebuilding handlers.
func NewLogger(level config.LogLevel, format config.LogFormat) (*slog.Logger, *slog.LevelVar) {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", "platelookup"), lvl
}

// ParseLevel maps a configured level onto slog. Unknown values are info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
