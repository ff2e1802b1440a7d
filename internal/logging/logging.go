// Package logging builds the zap loggers used by the convexlogs binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a configured zap logger. format "json" selects the production
// encoder; anything else the development console encoder.
func New(level string, format string) (*zap.Logger, error) {
	loggerConfig, err := newConfig(level, format)
	if err != nil {
		return nil, err
	}
	return loggerConfig.Build()
}

func newConfig(level string, format string) (zap.Config, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return zap.Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		// No stack traces on console output
		loggerConfig.DisableStacktrace = true
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	// stdout carries command output in the CLI
	loggerConfig.OutputPaths = []string{"stderr"}

	return loggerConfig, nil
}
