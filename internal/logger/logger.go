package logger

import (
	"fmt"
	"strings"

	"github.com/lvdashuaibi/livepoll/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvLocal = "local"

// New 本地环境输出彩色控制台日志，其他环境输出JSON
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("无效的日志级别 %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	switch cfg.Env {
	case EnvLocal, "":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return log.With(zap.String("env", cfg.Env)), nil
}
