package service

import (
	"context"
	"fmt"
	"strings"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"

	"go.uber.org/zap"
)

// ScheduleDTO 调度字段（请求与响应共用）
type ScheduleDTO struct {
	FrequencyType   int     `json:"frequency_type"`
	SlotType        int     `json:"slot_type"`
	CustomTime      *string `json:"custom_time,omitempty"`       // "HH:MM"
	CustomStartDate *string `json:"custom_start_date,omitempty"` // "YYYY-MM-DD"
	CustomEndDate   *string `json:"custom_end_date,omitempty"`
	WeekDaysMask    int     `json:"week_days_mask"`
}

// ScheduleDTOOf 领域调度 → DTO
func ScheduleDTOOf(s schedule.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		FrequencyType: int(s.FrequencyType),
		SlotType:      int(s.SlotType),
		WeekDaysMask:  s.WeekDaysMask,
	}
	if s.CustomTime != nil {
		v := s.CustomTime.String()
		dto.CustomTime = &v
	}
	if s.CustomStartDate != nil {
		v := s.CustomStartDate.String()
		dto.CustomStartDate = &v
	}
	if s.CustomEndDate != nil {
		v := s.CustomEndDate.String()
		dto.CustomEndDate = &v
	}
	return dto
}

// Schedule 解析并校验；格式错误返回 INVALID_ARGUMENT
func (d ScheduleDTO) Schedule() (schedule.Schedule, error) {
	s := schedule.Schedule{
		FrequencyType: schedule.FrequencyType(d.FrequencyType),
		SlotType:      schedule.SlotType(d.SlotType),
		WeekDaysMask:  d.WeekDaysMask,
	}
	if d.CustomTime != nil && *d.CustomTime != "" {
		tod, err := schedule.ParseTimeOfDay(*d.CustomTime)
		if err != nil {
			return s, apperr.InvalidArgument("%v", err)
		}
		s.CustomTime = &tod
	}
	if d.CustomStartDate != nil && *d.CustomStartDate != "" {
		v, err := schedule.ParseDate(*d.CustomStartDate)
		if err != nil {
			return s, apperr.InvalidArgument("%v", err)
		}
		s.CustomStartDate = &v
	}
	if d.CustomEndDate != nil && *d.CustomEndDate != "" {
		v, err := schedule.ParseDate(*d.CustomEndDate)
		if err != nil {
			return s, apperr.InvalidArgument("%v", err)
		}
		s.CustomEndDate = &v
	}
	if err := schedule.Validate(s); err != nil {
		return s, err
	}
	return s, nil
}

// RuleView 规则展示（个人 / 社区统一格式）
type RuleView struct {
	RuleID      int64             `json:"rule_id"`
	Source      domain.SourceKind `json:"rule_source"`
	CommunityID *int64            `json:"community_id,omitempty"`
	Name        string            `json:"name"`
	Icon        string            `json:"icon"`
	ScheduleDTO
	Status   string `json:"status"`
	IsActive *bool  `json:"is_active,omitempty"` // 仅社区规则
	Editable bool   `json:"editable"`
}

func personalRuleView(r *domain.Rule) RuleView {
	status := "enabled"
	if r.Status == domain.RuleDisabled {
		status = "disabled"
	}
	return RuleView{
		RuleID:      r.RuleID,
		Source:      domain.SourcePersonal,
		Name:        r.Name,
		Icon:        r.Icon,
		ScheduleDTO: ScheduleDTOOf(r.Schedule),
		Status:      status,
		Editable:    true,
	}
}

func communityRuleView(r *domain.CommunityRule, isActive *bool) RuleView {
	return RuleView{
		RuleID:      r.CommunityRuleID,
		Source:      domain.SourceCommunity,
		CommunityID: int64Ptr(r.CommunityID),
		Name:        r.Name,
		Icon:        r.Icon,
		ScheduleDTO: ScheduleDTOOf(r.Schedule),
		Status:      r.StatusLabel(),
		IsActive:    isActive,
	}
}

// RuleService 个人打卡规则
type RuleService interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*RuleView, error)
	UpdateRule(ctx context.Context, req UpdateRuleRequest) (*RuleView, error)
	DeleteRule(ctx context.Context, userID, ruleID int64) error
	GetRule(ctx context.Context, userID, ruleID int64) (*RuleView, error)
	ListRules(ctx context.Context, userID int64) ([]RuleView, error)
}

type ruleService struct {
	rules  repository.RulesRepository
	clock  Clock
	logger *zap.Logger
}

// NewRuleService 创建 RuleService 实例
func NewRuleService(rules repository.RulesRepository, clock Clock, logger *zap.Logger) RuleService {
	return &ruleService{rules: rules, clock: clock, logger: logger}
}

// CreateRuleRequest 创建个人规则请求
type CreateRuleRequest struct {
	UserID   int64
	Name     string
	Icon     string
	Schedule schedule.Schedule // 已通过 ScheduleDTO.Schedule 解析
}

// UpdateRuleRequest 更新个人规则请求（nil 字段不修改）
type UpdateRuleRequest struct {
	UserID int64
	RuleID int64
	Fields domain.RuleFields
}

func (s *ruleService) CreateRule(ctx context.Context, req CreateRuleRequest) (*RuleView, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if err := schedule.Validate(req.Schedule); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rule := &domain.Rule{
		SoloUserID: req.UserID,
		Name:       name,
		Icon:       req.Icon,
		Schedule:   req.Schedule,
		Status:     domain.RuleEnabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := s.rules.CreateRule(ctx, rule)
	if err != nil {
		s.logger.Error("CreateRule failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	rule.RuleID = id
	view := personalRuleView(rule)
	return &view, nil
}

// ownedRule 规则不存在或已删除 → NO_SUCH_RULE；非本人 → NOT_OWNER
func (s *ruleService) ownedRule(ctx context.Context, userID, ruleID int64) (*domain.Rule, error) {
	rule, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", ruleID)
	}
	if rule.SoloUserID != userID {
		return nil, apperr.PermissionDenied("rule %d is not owned by user", ruleID).WithCode(apperr.CodeNotOwner)
	}
	return rule, nil
}

func (s *ruleService) UpdateRule(ctx context.Context, req UpdateRuleRequest) (*RuleView, error) {
	rule, err := s.ownedRule(ctx, req.UserID, req.RuleID)
	if err != nil {
		return nil, err
	}

	f := req.Fields
	if f.Name != nil {
		name := strings.TrimSpace(*f.Name)
		if name == "" {
			return nil, apperr.InvalidArgument("name must not be empty")
		}
		rule.Name = name
	}
	if f.Icon != nil {
		rule.Icon = *f.Icon
	}
	if f.Schedule != nil {
		if err := schedule.Validate(*f.Schedule); err != nil {
			return nil, err
		}
		rule.Schedule = *f.Schedule
	}
	if f.Status != nil {
		if *f.Status != domain.RuleEnabled && *f.Status != domain.RuleDisabled {
			return nil, apperr.InvalidArgument("status must be 0 or 1")
		}
		rule.Status = *f.Status
	}
	rule.UpdatedAt = s.clock.Now()

	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", req.RuleID)
	}
	view := personalRuleView(rule)
	return &view, nil
}

// DeleteRule 软删除，历史打卡记录保留
func (s *ruleService) DeleteRule(ctx context.Context, userID, ruleID int64) error {
	if _, err := s.ownedRule(ctx, userID, ruleID); err != nil {
		return err
	}
	if err := s.rules.SoftDeleteRule(ctx, ruleID, s.clock.Now()); err != nil {
		return notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", ruleID)
	}
	s.logger.Info("Rule deleted", zap.Int64("user_id", userID), zap.Int64("rule_id", ruleID))
	return nil
}

func (s *ruleService) GetRule(ctx context.Context, userID, ruleID int64) (*RuleView, error) {
	rule, err := s.ownedRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}
	view := personalRuleView(rule)
	return &view, nil
}

func (s *ruleService) ListRules(ctx context.Context, userID int64) ([]RuleView, error) {
	rules, err := s.rules.ListRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]RuleView, 0, len(rules))
	for i := range rules {
		out = append(out, personalRuleView(&rules[i]))
	}
	return out, nil
}
