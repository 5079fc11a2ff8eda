// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log file names written under Options.Dir.
const (
	LogFile      = "accesswatch.log"
	ErrorLogFile = "accesswatch_error.log"
)

// Options configures New.
type Options struct {
	Level string // debug, info, warn, error. LOG_LEVEL overrides it.
	Dir   string // optional directory for file output
	// Console switches to the human-readable encoder.
	Console bool
}

// New builds a production zap logger writing JSON to stderr, and to
// Dir/accesswatch.log when Dir is set.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level.SetLevel(lvl)
	}

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		config.OutputPaths = append(config.OutputPaths, filepath.Join(opts.Dir, LogFile))
		config.ErrorOutputPaths = append(config.ErrorOutputPaths, filepath.Join(opts.Dir, ErrorLogFile))
	}
	if opts.Console {
		config.Encoding = "console"
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log.Named("accesswatch"), nil
}
