// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/kassa-tools/atol-bridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Configure replaces the global logger according to cfg and makes it the
// default for log.Ctx. The returned closer releases the log file, if any.
func Configure(cfg config.LogConfig) (io.Closer, error) {
	return configure(cfg, os.Stdout)
}

func configure(cfg config.LogConfig, stdout io.Writer) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// The global level stays at its minimum so that loggers derived with
	// their own level (such as the telemetry SDK logger) are not capped.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	var out io.Writer = stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: stdout}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	return closer, nil
}
