package logger

import (
	"testing"

	"checkin-core/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	l, err := NewLogger(config.LogConfig{Level: "debug", Format: "console"}, "dev")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger(config.LogConfig{Level: "warn", Format: "json"}, "prod")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	// 无法识别的级别按 info 处理
	l, err = NewLogger(config.LogConfig{Level: "verbose"}, "test")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestMustNewLogger_NeverNil(t *testing.T) {
	assert.NotNil(t, MustNewLogger(config.LogConfig{}, ""))
	assert.NotNil(t, NewNopLogger())
}
