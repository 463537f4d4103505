package service

import (
	"context"
	"fmt"
	"strings"

	"checkin-core/internal/apperr"
	"checkin-core/internal/authz"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"

	"go.uber.org/zap"
)

// CommunityRuleService 社区规则生命周期：draft → enabled → disabled → deleted
type CommunityRuleService interface {
	CreateRule(ctx context.Context, op authz.Principal, req CreateCommunityRuleRequest) (*RuleView, error)
	UpdateRule(ctx context.Context, op authz.Principal, req UpdateCommunityRuleRequest) (*RuleView, error)
	EnableRule(ctx context.Context, op authz.Principal, ruleID int64) (*RuleView, error)
	DisableRule(ctx context.Context, op authz.Principal, ruleID int64) (*RuleView, error)
	DeleteRule(ctx context.Context, op authz.Principal, ruleID int64) error
	ListRules(ctx context.Context, op authz.Principal, communityID int64, includeDisabled bool) ([]RuleView, error)

	// SetMappingActive 工作人员为单个成员开关某条社区规则
	SetMappingActive(ctx context.Context, op authz.Principal, req SetMappingRequest) error
}

type communityRuleService struct {
	users       repository.UsersRepository
	communities repository.CommunitiesRepository
	staff       repository.StaffRepository
	crules      repository.CommunityRulesRepository
	clock       Clock
	logger      *zap.Logger
}

// NewCommunityRuleService 创建 CommunityRuleService 实例
func NewCommunityRuleService(repos *repository.Repositories, clock Clock, logger *zap.Logger) CommunityRuleService {
	return &communityRuleService{
		users:       repos.Users,
		communities: repos.Communities,
		staff:       repos.Staff,
		crules:      repos.CommunityRules,
		clock:       clock,
		logger:      logger,
	}
}

// CreateCommunityRuleRequest 创建社区规则请求（创建后为 draft）
type CreateCommunityRuleRequest struct {
	CommunityID int64
	Name        string
	Icon        string
	Schedule    schedule.Schedule
}

// UpdateCommunityRuleRequest 更新社区规则请求；enabled 状态下拒绝
type UpdateCommunityRuleRequest struct {
	RuleID int64
	Fields domain.RuleFields // Status 字段忽略，状态只能通过 enable / disable 变更
}

// SetMappingRequest 映射开关请求
type SetMappingRequest struct {
	RuleID int64
	UserID int64
	Active bool
}

// authorize 规则所在社区的 manage_community_rules 权限
func (s *communityRuleService) authorize(ctx context.Context, op authz.Principal, communityID int64) error {
	scope, err := authz.ResolveScope(ctx, s.staff, op, communityID)
	if err != nil {
		return fmt.Errorf("failed to resolve scope: %w", err)
	}
	return authz.Require(authz.CanManageCommunityRules(op, scope), "manage community rules")
}

func (s *communityRuleService) loadRule(ctx context.Context, ruleID int64) (*domain.CommunityRule, error) {
	rule, err := s.crules.GetCommunityRule(ctx, ruleID)
	if err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", ruleID)
	}
	return rule, nil
}

func ruleDetail(r *domain.CommunityRule) map[string]any {
	return map[string]any{"community_id": r.CommunityID, "community_rule_id": r.CommunityRuleID, "name": r.Name}
}

func (s *communityRuleService) CreateRule(ctx context.Context, op authz.Principal, req CreateCommunityRuleRequest) (*RuleView, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if err := schedule.Validate(req.Schedule); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op, req.CommunityID); err != nil {
		return nil, err
	}
	if _, err := s.communities.GetCommunity(ctx, req.CommunityID); err != nil {
		return nil, notFoundAs(err, "", "community %d not found", req.CommunityID)
	}

	now := s.clock.Now()
	rule := &domain.CommunityRule{
		CommunityID: req.CommunityID,
		Name:        name,
		Icon:        req.Icon,
		Schedule:    req.Schedule,
		Status:      domain.CommunityRuleDraft,
		CreatedBy:   op.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := s.crules.CreateCommunityRule(ctx, rule,
		newAudit(op.UserID, op.UserID, domain.AuditCommunityRuleCreate, map[string]any{"community_id": req.CommunityID, "name": name}))
	if err != nil {
		s.logger.Error("CreateCommunityRule failed", zap.Int64("community_id", req.CommunityID), zap.Error(err))
		return nil, notFoundAs(err, "", "community %d not found", req.CommunityID)
	}
	rule.CommunityRuleID = id
	s.logger.Info("Community rule created",
		zap.Int64("community_id", req.CommunityID),
		zap.Int64("community_rule_id", id),
		zap.Int64("operator_id", op.UserID),
	)
	view := communityRuleView(rule, nil)
	return &view, nil
}

func (s *communityRuleService) UpdateRule(ctx context.Context, op authz.Principal, req UpdateCommunityRuleRequest) (*RuleView, error) {
	rule, err := s.loadRule(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op, rule.CommunityID); err != nil {
		return nil, err
	}
	if rule.Status == domain.CommunityRuleEnabled {
		return nil, apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", rule.CommunityRuleID)
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
	rule.UpdatedAt = s.clock.Now()

	if err := s.crules.UpdateCommunityRule(ctx, rule,
		newAudit(op.UserID, op.UserID, domain.AuditCommunityRuleUpdate, ruleDetail(rule))); err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", req.RuleID)
	}
	view := communityRuleView(rule, nil)
	return &view, nil
}

// EnableRule 首次启用时为全部现有成员创建映射（同一事务）
func (s *communityRuleService) EnableRule(ctx context.Context, op authz.Principal, ruleID int64) (*RuleView, error) {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op, rule.CommunityID); err != nil {
		return nil, err
	}
	if err := s.crules.EnableCommunityRule(ctx, ruleID, op.UserID, s.clock.Now(),
		newAudit(op.UserID, op.UserID, domain.AuditCommunityRuleEnable, ruleDetail(rule))); err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", ruleID)
	}
	s.logger.Info("Community rule enabled", zap.Int64("community_rule_id", ruleID), zap.Int64("operator_id", op.UserID))
	return s.reload(ctx, ruleID)
}

// DisableRule 映射保留，规则不再出现在计划中
func (s *communityRuleService) DisableRule(ctx context.Context, op authz.Principal, ruleID int64) (*RuleView, error) {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op, rule.CommunityID); err != nil {
		return nil, err
	}
	if err := s.crules.DisableCommunityRule(ctx, ruleID, op.UserID, s.clock.Now(),
		newAudit(op.UserID, op.UserID, domain.AuditCommunityRuleDisable, ruleDetail(rule))); err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", ruleID)
	}
	s.logger.Info("Community rule disabled", zap.Int64("community_rule_id", ruleID), zap.Int64("operator_id", op.UserID))
	return s.reload(ctx, ruleID)
}

func (s *communityRuleService) reload(ctx context.Context, ruleID int64) (*RuleView, error) {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	view := communityRuleView(rule, nil)
	return &view, nil
}

func (s *communityRuleService) DeleteRule(ctx context.Context, op authz.Principal, ruleID int64) error {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, op, rule.CommunityID); err != nil {
		return err
	}
	if rule.Status == domain.CommunityRuleEnabled {
		return apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", ruleID)
	}
	if err := s.crules.DeleteCommunityRule(ctx, ruleID, s.clock.Now(),
		newAudit(op.UserID, op.UserID, domain.AuditCommunityRuleDelete, ruleDetail(rule))); err != nil {
		return notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", ruleID)
	}
	return nil
}

// ListRules 社区成员可查看 enabled 规则；include_disabled 需要工作人员权限
func (s *communityRuleService) ListRules(ctx context.Context, op authz.Principal, communityID int64, includeDisabled bool) ([]RuleView, error) {
	scope, err := authz.ResolveScope(ctx, s.staff, op, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope: %w", err)
	}
	staffView := op.IsSuperAdmin() || scope.IsStaff()
	if !staffView {
		user, err := activeUser(ctx, s.users, op.UserID)
		if err != nil {
			return nil, err
		}
		if err := authz.Require(user.InCommunity(communityID), "view community rules"); err != nil {
			return nil, err
		}
		includeDisabled = false
	}

	rules, err := s.crules.ListCommunityRules(ctx, communityID, includeDisabled)
	if err != nil {
		return nil, fmt.Errorf("failed to list community rules: %w", err)
	}
	out := make([]RuleView, 0, len(rules))
	for i := range rules {
		out = append(out, communityRuleView(&rules[i], nil))
	}
	return out, nil
}

func (s *communityRuleService) SetMappingActive(ctx context.Context, op authz.Principal, req SetMappingRequest) error {
	rule, err := s.loadRule(ctx, req.RuleID)
	if err != nil {
		return err
	}
	scope, err := authz.ResolveScope(ctx, s.staff, op, rule.CommunityID)
	if err != nil {
		return fmt.Errorf("failed to resolve scope: %w", err)
	}
	if err := authz.Require(authz.CanManageUsers(op, scope), "manage community users"); err != nil {
		return err
	}
	user, err := activeUser(ctx, s.users, req.UserID)
	if err != nil {
		return err
	}
	if !user.InCommunity(rule.CommunityID) {
		return apperr.Precondition(apperr.CodeNotMember, "user %d is not a member of community %d", req.UserID, rule.CommunityID)
	}

	detail := ruleDetail(rule)
	detail["is_active"] = req.Active
	if err := s.crules.SetMappingActive(ctx, req.UserID, req.RuleID, req.Active,
		newAudit(req.UserID, op.UserID, domain.AuditMappingToggle, detail)); err != nil {
		return notFoundAs(err, apperr.CodeNoSuchRule, "community rule %d not found", req.RuleID)
	}
	return nil
}
