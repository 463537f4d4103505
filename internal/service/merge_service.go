package service

import (
	"context"
	"errors"
	"fmt"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/store"

	"go.uber.org/zap"
)

// MergeService 账号合并：第二个登录渠道识别到已有账号时触发
type MergeService interface {
	Merge(ctx context.Context, req MergeRequest) (*MergeResult, error)
}

type mergeService struct {
	users  repository.UsersRepository
	merge  repository.MergeRepository
	events store.EventPublisher
	clock  Clock
	logger *zap.Logger
}

// NewMergeService 创建 MergeService 实例
func NewMergeService(repos *repository.Repositories, events store.EventPublisher, clock Clock, logger *zap.Logger) MergeService {
	return &mergeService{
		users:  repos.Users,
		merge:  repos.Merge,
		events: events,
		clock:  clock,
		logger: logger,
	}
}

// MergeRequest 合并请求；两个账号的先后由 created_at 决定
type MergeRequest struct {
	UserA      int64
	UserB      int64
	OperatorID int64
	Reason     string
}

// MergeResult 合并结果
type MergeResult struct {
	PrimaryID   int64 `json:"primary_user_id"`
	SecondaryID int64 `json:"secondary_user_id"`
}

// PickPrimary created_at 较早者为主账号，相同时取较小的 user_id
func PickPrimary(a, b *domain.User) (primary, secondary *domain.User) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.UserID < a.UserID) {
		return b, a
	}
	return a, b
}

func (s *mergeService) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if req.UserA == req.UserB {
		return nil, apperr.InvalidArgument("cannot merge a user into itself")
	}
	a, err := activeUser(ctx, s.users, req.UserA)
	if err != nil {
		return nil, err
	}
	b, err := activeUser(ctx, s.users, req.UserB)
	if err != nil {
		return nil, err
	}
	primary, secondary := PickPrimary(a, b)

	now := s.clock.Now()
	audit := newAudit(primary.UserID, req.OperatorID, domain.AuditMerge, map[string]any{
		"primary_user_id":   primary.UserID,
		"secondary_user_id": secondary.UserID,
		"reason":            req.Reason,
	})
	if err := s.merge.MergeUsers(ctx, primary.UserID, secondary.UserID, now, audit); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodePhoneExists, "identity of user %d conflicts with another account", secondary.UserID)
		}
		s.logger.Error("MergeUsers failed",
			zap.Int64("primary_user_id", primary.UserID),
			zap.Int64("secondary_user_id", secondary.UserID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to merge users: %w", notFoundAs(err, apperr.CodeNoSuchUser, "user not found"))
	}

	s.logger.Info("Users merged",
		zap.Int64("primary_user_id", primary.UserID),
		zap.Int64("secondary_user_id", secondary.UserID),
		zap.String("reason", req.Reason),
	)
	publish(ctx, s.events, s.logger, store.Event{
		Type:       store.EventUserMerged,
		UserID:     primary.UserID,
		Payload:    map[string]any{"secondary_user_id": secondary.UserID},
		OccurredAt: now,
	})
	return &MergeResult{PrimaryID: primary.UserID, SecondaryID: secondary.UserID}, nil
}
