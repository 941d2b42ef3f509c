// Package observability constructs the process loggers.
//
// Two loggers exist: Logger for structured worker output and CLILogger for
// command feedback on stderr. Both are zap; the split keeps JSONL event
// output on stdout uncontaminated by log lines.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the worker logger. Defaults to a no-op until Init runs.
var Logger = zap.NewNop()

// CLILogger is the command-line feedback logger. Defaults to a no-op until
// Init runs.
var CLILogger = zap.NewNop()

// Config selects log level and encoding.
type Config struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string

	// Format is "json" or "console". Default json.
	Format string
}

// Init builds the package loggers. Safe to call once at process start.
func Init(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("observability: build logger: %w", err)
	}

	Logger = logger
	CLILogger = logger.WithOptions(zap.WithCaller(false))
	return nil
}

// Sync flushes buffered log entries. Called on process exit.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("observability: unknown log level %q", s)
	}
}
