// shared/pkg/logger/logger.go
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) *zap.Logger {
	return build(zap.NewProductionConfig(), serviceName, "")
}

// NewDevelopmentLogger creates a logger for development
func NewDevelopmentLogger(serviceName string) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return build(config, serviceName, "")
}

// ForEnvironment picks the development logger outside production and applies
// the requested level ("debug", "info", "warn", "error").
func ForEnvironment(serviceName, environment, level string) *zap.Logger {
	if strings.EqualFold(environment, "production") {
		return build(zap.NewProductionConfig(), serviceName, level)
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return build(config, serviceName, level)
}

func build(config zap.Config, serviceName, level string) *zap.Logger {
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
