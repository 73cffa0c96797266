package logging

import (
	"fmt"
	"strings"

	"github.com/mikey/mail-triage/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger level and encoding
type Options struct {
	Level string
	JSON  bool
}

// InitLogger initializes a logger from the logging.* configuration keys
func InitLogger(cfg *config.Config) (*zap.Logger, error) {
	return Build(Options{
		Level: cfg.GetString("logging.level"),
		JSON:  cfg.GetString("logging.format") == "json",
	})
}

// InitConsoleLogger initializes a logger for the command line. verbose
// forces debug level.
func InitConsoleLogger(verbose bool, jsonFormat bool) (*zap.Logger, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	return Build(Options{Level: level, JSON: jsonFormat})
}

// Build creates a logger with the given options. Unknown levels fall back to info.
func Build(opts Options) (*zap.Logger, error) {
	var logConfig zap.Config
	if opts.JSON {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.Level = zap.NewAtomicLevelAt(parseLevel(opts.Level))

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Named("mail-triage"), nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
