// Package logger builds the process-wide zap logger. The first New wins;
// later calls return the same instance.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instance *zap.SugaredLogger
	once     sync.Once
)

type Config struct {
	Development bool
	// Level overrides the preset minimum level (debug, info, warn, error).
	Level string
	// Encoding overrides the preset output format (json or console).
	Encoding string
}

func New(cfg Config) (*zap.SugaredLogger, error) {
	var err error
	once.Do(func() {
		zc := zap.NewProductionConfig()
		if cfg.Development {
			zc = zap.NewDevelopmentConfig()
		}
		if cfg.Level != "" {
			var lvl zapcore.Level
			lvl, err = zapcore.ParseLevel(cfg.Level)
			if err != nil {
				return
			}
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		if cfg.Encoding != "" {
			zc.Encoding = cfg.Encoding
		}
		var l *zap.Logger
		l, err = zc.Build()
		if err != nil {
			return
		}
		instance = l.Sugar()
	})
	return instance, err
}
