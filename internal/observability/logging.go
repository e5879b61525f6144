// Package observability owns the process-wide loggers and the metrics
// registry. Commands initialize it once; everything else reaches the
// shared instances through the package variables.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the service logger for long-running processes (serve,
	// watch). JSON or console encoded per the logging profile.
	Logger *zap.Logger

	// CLILogger is the human-facing logger for one-shot commands. It
	// prints bare messages without timestamps so diagnostic output
	// reads like terminal output, not a log stream.
	CLILogger *zap.Logger
)

// InitCLILogger configures CLILogger for the named binary. Verbose
// lowers the level to debug.
func InitCLILogger(binary string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.LevelKey = ""
	encCfg.NameKey = ""
	encCfg.CallerKey = ""
	if verbose {
		encCfg.LevelKey = "L"
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	CLILogger = zap.New(core).Named(binary)
}

// InitLogger configures the service Logger.
//
// Profile selects the encoding: STRUCTURED emits JSON, CONSOLE emits
// the development console format. When filePath is non-empty the log
// also goes to a size-rotated file alongside stderr.
func InitLogger(level, profile, filePath string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToUpper(profile) {
	case "", "STRUCTURED":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "CONSOLE":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}

	sink := zapcore.Lock(os.Stderr)
	ws := zapcore.WriteSyncer(sink)
	if filePath != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
		ws = zapcore.NewMultiWriteSyncer(sink, rotated)
	}

	Logger = zap.New(zapcore.NewCore(enc, ws, lvl))
	return Logger, nil
}

// MustLogger returns the service logger, falling back to a no-op logger
// when InitLogger was never called.
func MustLogger() *zap.Logger {
	if Logger == nil {
		return zap.NewNop()
	}
	return Logger
}
