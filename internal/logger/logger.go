// Package logger builds the zap logger used across the service.
//
// "dev" gives a colored console encoder, "prod" gives JSON. Loggers are
// passed to components explicitly; there is no package-level instance.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Env         string // dev | prod
	Level       string // debug | info | warn | error
	ServiceName string
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.ToLower(cfg.Env) == "prod" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l, nil
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
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

// field helpers

func KeyID(id int64) zap.Field {
	return zap.Int64("kid", id)
}

func Kind(expired bool) zap.Field {
	if expired {
		return zap.String("kind", "expired")
	}
	return zap.String("kind", "valid")
}

func Component(name string) zap.Field {
	return zap.String("component", name)
}

func RequestID(id string) zap.Field {
	return zap.String("request_id", id)
}
