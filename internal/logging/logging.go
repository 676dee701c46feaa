// Package logging builds the structured pterm logger every command shares and
// masks secrets before they reach a log line or an error shown to a user.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
)

// ParseLevel maps a level name to a pterm log level. Empty means info.
func ParseLevel(name string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	case "off", "none", "disabled":
		return pterm.LogLevelDisabled, nil
	default:
		return pterm.LogLevelInfo, fmt.Errorf("unknown log level: %q", name)
	}
}

// New returns a logger writing to w. format is "text" (colorful) or "json".
func New(w io.Writer, level, format string) (*pterm.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var formatter pterm.LogFormatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		formatter = pterm.LogFormatterColorful
	case "json":
		formatter = pterm.LogFormatterJSON
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}

	return pterm.DefaultLogger.
		WithLevel(lvl).
		WithWriter(w).
		WithFormatter(formatter), nil
}

// Discard returns a logger that drops everything.
func Discard() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled).WithWriter(io.Discard)
}
