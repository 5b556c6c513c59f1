package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the handler used by NewWithOptions.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Options struct {
	Verbose bool
	Format  Format
	Writer  io.Writer
}

// New returns a colorized text logger on stdout.
func New(verbose bool) *slog.Logger {
	return NewWithOptions(Options{Verbose: verbose})
}

// NewWithOptions builds a logger whose timestamps are UTC RFC3339 with millisecond precision.
// Attributes with empty string values are dropped in both formats.
func NewWithOptions(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	switch opts.Format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr,
		}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       level,
			ReplaceAttr: replaceAttr,
		}))
	}
}

// ParseFormat maps a flag value to a Format, defaulting to text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown log format %q", s)
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
