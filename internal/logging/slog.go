package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

// stdout is the console sink, replaced in tests.
var stdout io.Writer = os.Stdout

// Options configures SlogManager.Setup.
type Options struct {
	Level string
	// File receives a copy of the console output when set.
	File io.Writer
	// GraylogAddress enables GELF shipping over UDP when set.
	GraylogAddress string
	// Context adds dynamic attributes to every record.
	Context ContextProvider
}

// SlogManager manages slog-based logging with optional GELF shipping.
type SlogManager struct {
	logger *slog.Logger
	gelf   *gelf.Writer
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the logging system. A GELF writer that cannot be
// created is reported and skipped.
func (m *SlogManager) Setup(opts Options) {
	lvl := parseLevel(opts.Level)

	// Common handler options with RFC3339 time formatting
	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handlers := []slog.Handler{slog.NewTextHandler(stdout, handlerOpts)}
	if opts.File != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.File, handlerOpts))
	}

	var gelfErr error
	if opts.GraylogAddress != "" {
		m.gelf, gelfErr = gelf.NewWriter(opts.GraylogAddress)
		if gelfErr == nil {
			// Graylog never receives debug records.
			handlers = append(handlers, slog.NewJSONHandler(m.gelf, &slog.HandlerOptions{Level: max(lvl, slog.LevelInfo)}))
		}
	}

	m.logger = slog.New(WithState(NewTeeHandler(handlers...), opts.Context))
	if gelfErr != nil {
		m.logger.Warn("Graylog disabled", "address", opts.GraylogAddress, "error", gelfErr)
	}
	m.logger.Info("Logging initialized", "level", opts.Level)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Close releases the GELF writer.
func (m *SlogManager) Close() error {
	if m.gelf == nil {
		return nil
	}
	return m.gelf.Close()
}
