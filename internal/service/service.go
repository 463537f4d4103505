// Package service 业务编排层：权限判定、规则解析、调用仓储、发布领域事件。
// 事务边界由仓储实现负责，Service 与存储后端（Postgres / 内存）无关。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/config"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/store"

	"go.uber.org/zap"
)

// Clock 时间源（测试中注入固定时间）
type Clock interface {
	Now() time.Time
}

// ClockFunc 函数适配为 Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock 使用系统时间
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock 可手动推进的时钟
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Settings 打卡业务参数
type Settings struct {
	Location        *time.Location
	CancelWindow    time.Duration
	ShareDefaultTTL time.Duration
	ShareMaxTTL     time.Duration
	InviteTTL       time.Duration
	BatchCap        int
}

// DefaultSettings Asia/Shanghai，撤销窗口 30 分钟，分享默认 7 天、最长 30 天
func DefaultSettings() Settings {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	return Settings{
		Location:        loc,
		CancelWindow:    30 * time.Minute,
		ShareDefaultTTL: 7 * 24 * time.Hour,
		ShareMaxTTL:     30 * 24 * time.Hour,
		InviteTTL:       7 * 24 * time.Hour,
		BatchCap:        50,
	}
}

// SettingsFromConfig 未配置的字段沿用默认值
func SettingsFromConfig(cfg *config.CheckinConfig) Settings {
	s := DefaultSettings()
	if cfg == nil {
		return s
	}
	if cfg.Timezone != "" {
		s.Location = cfg.Location()
	}
	if cfg.CancelWindow > 0 {
		s.CancelWindow = cfg.CancelWindow
	}
	if cfg.ShareDefaultTTL > 0 {
		s.ShareDefaultTTL = cfg.ShareDefaultTTL
	}
	if cfg.ShareMaxTTL > 0 {
		s.ShareMaxTTL = cfg.ShareMaxTTL
	}
	if cfg.InviteTTL > 0 {
		s.InviteTTL = cfg.InviteTTL
	}
	if cfg.BatchCap > 0 {
		s.BatchCap = cfg.BatchCap
	}
	return s
}

// notFoundAs 仓储层 ErrNotFound 转换为带细分码的 NOT_FOUND，其余错误原样返回
func notFoundAs(err error, code, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(code, format, args...)
	}
	return err
}

// newAudit 构造审计行；detail 以 JSON 保存
func newAudit(userID, operatorID int64, action string, detail map[string]any) *domain.UserAuditLog {
	a := &domain.UserAuditLog{UserID: userID, OperatorID: operatorID, Action: action}
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			a.Detail = string(b)
		}
	}
	return a
}

// publish 领域事件尽力投递，失败只记录日志
func publish(ctx context.Context, events store.EventPublisher, logger *zap.Logger, ev store.Event) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, ev); err != nil {
		logger.Warn("Failed to publish event",
			zap.String("type", ev.Type),
			zap.Int64("user_id", ev.UserID),
			zap.Error(err),
		)
	}
}

func int64Ptr(v int64) *int64 { return &v }
