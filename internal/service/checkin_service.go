package service

import (
	"context"
	"errors"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"
	"checkin-core/internal/store"

	"go.uber.org/zap"
)

// CheckinService 打卡状态机：打卡 / 撤销
type CheckinService interface {
	Perform(ctx context.Context, req PerformRequest) (*RecordDTO, error)
	Cancel(ctx context.Context, req CancelRequest) (*RecordDTO, error)
}

type checkinService struct {
	users        repository.UsersRepository
	rules        repository.RulesRepository
	crules       repository.CommunityRulesRepository
	records      repository.RecordsRepository
	events       store.EventPublisher
	clock        Clock
	loc          *time.Location
	cancelWindow time.Duration
	logger       *zap.Logger
}

// NewCheckinService 创建 CheckinService 实例
func NewCheckinService(repos *repository.Repositories, events store.EventPublisher, clock Clock, settings Settings, logger *zap.Logger) CheckinService {
	return &checkinService{
		users:        repos.Users,
		rules:        repos.Rules,
		crules:       repos.CommunityRules,
		records:      repos.Records,
		events:       events,
		clock:        clock,
		loc:          settings.Location,
		cancelWindow: settings.CancelWindow,
		logger:       logger,
	}
}

// PerformRequest 打卡请求
type PerformRequest struct {
	UserID int64
	RuleID int64
	Source domain.SourceKind // 为空按 personal
}

// CancelRequest 撤销请求
type CancelRequest struct {
	UserID   int64
	RecordID int64
}

// RecordDTO 打卡记录（前端格式）
type RecordDTO struct {
	RecordID        int64      `json:"record_id"`
	SoloUserID      int64      `json:"solo_user_id"`
	RuleID          *int64     `json:"rule_id,omitempty"`
	CommunityRuleID *int64     `json:"community_rule_id,omitempty"`
	PlannedTime     time.Time  `json:"planned_time"`
	PlannedDate     string     `json:"planned_date"`
	CheckinTime     *time.Time `json:"checkin_time"`
	Status          string     `json:"status"`
}

func recordDTO(r *domain.CheckinRecord) *RecordDTO {
	return &RecordDTO{
		RecordID:        r.RecordID,
		SoloUserID:      r.SoloUserID,
		RuleID:          r.RuleID,
		CommunityRuleID: r.CommunityRuleID,
		PlannedTime:     r.PlannedTime,
		PlannedDate:     r.PlannedDate.String(),
		CheckinTime:     r.CheckinTime,
		Status:          r.Status.String(),
	}
}

func (s *checkinService) Perform(ctx context.Context, req PerformRequest) (*RecordDTO, error) {
	if req.Source == "" {
		req.Source = domain.SourcePersonal
	}
	if !req.Source.Valid() {
		return nil, apperr.InvalidArgument("unknown rule_source %q", req.Source)
	}

	sched, err := s.resolveRule(ctx, req)
	if err != nil {
		s.logger.Warn("Checkin rejected",
			zap.Int64("user_id", req.UserID),
			zap.Int64("rule_id", req.RuleID),
			zap.String("source", string(req.Source)),
			zap.Error(err),
		)
		return nil, err
	}

	now := s.clock.Now()
	today := schedule.DateOf(now, s.loc)
	planned, ok := schedule.PlannedInstant(sched, today, s.loc)
	if !ok {
		// 非触发日补打卡：按时段计算当天的计划时间
		planned, ok = schedule.NominalInstant(sched, today, s.loc)
		if !ok {
			planned = today.Midnight(s.loc)
		}
	}

	rec, err := s.records.Checkin(ctx, repository.CheckinInput{
		UserID:      req.UserID,
		Ref:         domain.RuleRef{Kind: req.Source, ID: req.RuleID},
		PlannedTime: planned,
		PlannedDate: today,
		Now:         now,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("Checkin failed", zap.Int64("user_id", req.UserID), zap.Int64("rule_id", req.RuleID), zap.Error(err))
		}
		return nil, err
	}

	publish(ctx, s.events, s.logger, store.Event{
		Type:   store.EventCheckinPerformed,
		UserID: req.UserID,
		Payload: map[string]any{
			"record_id":    rec.RecordID,
			"rule_id":      req.RuleID,
			"rule_source":  string(req.Source),
			"planned_date": today.String(),
		},
		OccurredAt: now,
	})
	return recordDTO(rec), nil
}

// resolveRule 个人规则：存在、启用且属于本人；社区规则：启用、用户在该社区且映射未关闭
func (s *checkinService) resolveRule(ctx context.Context, req PerformRequest) (schedule.Schedule, error) {
	noSuchRule := func() error {
		return apperr.NotFound(apperr.CodeNoSuchRule, "rule %d not found", req.RuleID)
	}

	if req.Source == domain.SourcePersonal {
		rule, err := s.rules.GetRule(ctx, req.RuleID)
		if err != nil {
			return schedule.Schedule{}, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", req.RuleID)
		}
		if rule.SoloUserID != req.UserID || rule.Status != domain.RuleEnabled {
			return schedule.Schedule{}, noSuchRule()
		}
		return rule.Schedule, nil
	}

	rule, err := s.crules.GetCommunityRule(ctx, req.RuleID)
	if err != nil {
		return schedule.Schedule{}, notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", req.RuleID)
	}
	if rule.Status != domain.CommunityRuleEnabled {
		return schedule.Schedule{}, noSuchRule()
	}
	user, err := activeUser(ctx, s.users, req.UserID)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if !user.InCommunity(rule.CommunityID) {
		return schedule.Schedule{}, noSuchRule()
	}
	mapping, err := s.crules.GetMapping(ctx, req.UserID, req.RuleID)
	switch {
	case err == nil:
		if !mapping.IsActive {
			return schedule.Schedule{}, noSuchRule()
		}
	case errors.Is(err, repository.ErrNotFound):
		// 映射缺失视为生效，下次读取计划时补齐
	default:
		return schedule.Schedule{}, err
	}
	return rule.Schedule, nil
}

// Cancel 撤销窗口内的打卡；记录保留为 revoked，planned_time 不变
func (s *checkinService) Cancel(ctx context.Context, req CancelRequest) (*RecordDTO, error) {
	now := s.clock.Now()
	rec, err := s.records.CancelCheckin(ctx, req.RecordID, req.UserID, now, s.cancelWindow)
	if err != nil {
		err = notFoundAs(err, "", "record %d not found", req.RecordID)
		s.logger.Warn("Cancel rejected", zap.Int64("user_id", req.UserID), zap.Int64("record_id", req.RecordID), zap.Error(err))
		return nil, err
	}

	publish(ctx, s.events, s.logger, store.Event{
		Type:       store.EventCheckinCancelled,
		UserID:     req.UserID,
		Payload:    map[string]any{"record_id": rec.RecordID},
		OccurredAt: now,
	})
	return recordDTO(rec), nil
}
