// Package logger builds the zap logger used by the admin tooling.
package logger

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a zap.Logger configured for env. Anything but "production"
// gets the development encoder.
func New(env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}

// Slog adapts lg for the packages that log through log/slog.
func Slog(lg *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(lg.Core(), zapslog.WithName("eventsourcing")))
}
