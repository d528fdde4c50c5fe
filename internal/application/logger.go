package application

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crystal-devs/rc-realtime/internal/config"
)

// NewLogger builds the process logger: development encoding outside production,
// level from LOG_LEVEL (unknown levels keep the preset's default).
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build(zap.Fields(zap.String("service", "rc-realtime")))
}
