package service

import (
	"context"
	"fmt"
	"time"

	"checkin-core/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// Jobs 后台定时任务：映射补齐、过期数据清理
type Jobs struct {
	repos  *repository.Repositories
	clock  Clock
	logger *zap.Logger
	cron   *cron.Cron
}

// NewJobs 创建定时任务调度器（秒级 cron 表达式）
func NewJobs(repos *repository.Repositories, clock Clock, logger *zap.Logger) *Jobs {
	return &Jobs{
		repos:  repos,
		clock:  clock,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Register 注册两个任务；spec 为空时跳过对应任务
func (j *Jobs) Register(reconcileSpec, cleanupSpec string) error {
	if reconcileSpec != "" {
		if _, err := j.cron.AddFunc(reconcileSpec, j.run("reconcile_mappings", j.ReconcileMappings)); err != nil {
			return fmt.Errorf("failed to add reconcile job: %w", err)
		}
	}
	if cleanupSpec != "" {
		if _, err := j.cron.AddFunc(cleanupSpec, j.run("cleanup_expired", j.CleanupExpired)); err != nil {
			return fmt.Errorf("failed to add cleanup job: %w", err)
		}
	}
	return nil
}

func (j *Jobs) run(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			j.logger.Error("Job failed", zap.String("job", name), zap.Error(err))
			return
		}
		j.logger.Debug("Job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	}
}

func (j *Jobs) Start() {
	j.cron.Start()
	j.logger.Info("Cron jobs started", zap.Int("jobs", len(j.cron.Entries())))
}

// Stop 等待正在执行的任务结束，最多等到 ctx 取消
func (j *Jobs) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("Cron jobs stopped")
	case <-ctx.Done():
		j.logger.Warn("Cron jobs forced to stop", zap.Error(ctx.Err()))
	}
}

// ReconcileMappings 为全部 enabled 社区规则 × 成员补齐映射
func (j *Jobs) ReconcileMappings(ctx context.Context) error {
	n, err := j.repos.CommunityRules.ReconcileAllMappings(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile mappings: %w", err)
	}
	if n > 0 {
		j.logger.Info("Community rule mappings reconciled", zap.Int64("created", n))
	}
	return nil
}

// CleanupExpired 清理过期分享链接、邀请 token 和验证码
func (j *Jobs) CleanupExpired(ctx context.Context) error {
	now := j.clock.Now()
	links, err := j.repos.ShareLinks.DeleteExpiredShareLinks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to delete expired share links: %w", err)
	}
	invites, err := j.repos.Supervision.PurgeExpiredInvites(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to purge expired invites: %w", err)
	}
	codes, err := j.repos.Codes.DeleteExpiredCodes(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to delete expired codes: %w", err)
	}
	j.logger.Info("Expired data cleaned",
		zap.Int64("share_links", links),
		zap.Int64("invites", invites),
		zap.Int64("codes", codes),
	)
	return nil
}
