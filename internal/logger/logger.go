package logger

import (
	"os"

	"checkin-core/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "checkin-core"

// NewLogger 按配置与运行环境构建 Logger
// 未指定格式时 dev 输出 console，其余环境输出 json；prod 始终 json
// 每条日志带 service、profile、instance 三个全局字段
func NewLogger(cfg config.LogConfig, profile string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	format := cfg.Format
	if format == "" && profile == "dev" {
		format = "console"
	}
	if profile == "prod" {
		format = "json"
	}

	var zc zap.Config
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// test 环境不采样
	if profile == "test" {
		zc.Sampling = nil
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("service", serviceName)}
	if profile != "" {
		fields = append(fields, zap.String("profile", profile))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("instance", hostname))
	}
	return l.With(fields...), nil
}

// MustNewLogger 创建失败时退回 zap.NewProduction
func MustNewLogger(cfg config.LogConfig, profile string) *zap.Logger {
	l, err := NewLogger(cfg, profile)
	if err != nil {
		l, _ = zap.NewProduction()
		l = l.With(zap.String("service", serviceName))
	}
	return l
}

// NewNopLogger 测试用
func NewNopLogger() *zap.Logger { return zap.NewNop() }
