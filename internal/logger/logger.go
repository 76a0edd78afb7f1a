package logger

import (
	"context"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/craftline/ordercore/internal/config"
)

// Module exposes a configured Zap logger to the Fx container.
var Module = fx.Provide(New)

// New builds the process-wide Zap logger. Every line carries the service and
// environment fields so aggregated logs stay attributable. The Fx lifecycle
// owns the final Sync.
func New(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	obs := cfg.Observability

	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(obs.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := buildConfig(obs.LogEncoding)
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	base, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	log := base.With(
		zap.String("service", obs.ServiceName),
		zap.String("environment", obs.Environment),
	)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return log.Sync()
		},
	})

	return log, nil
}

func buildConfig(encoding string) zap.Config {
	if encoding == "console" {
		zapCfg := zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapCfg
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = encoding
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	zapCfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapCfg
}
