package service

import (
	"context"
	"fmt"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"

	"go.uber.org/zap"
)

// PlanService 今日计划与规则总览
type PlanService interface {
	TodayPlan(ctx context.Context, req TodayPlanRequest) (*TodayPlanResponse, error)
	// AllUserRules 管理视图：个人规则 + 本社区 enabled/disabled 规则（带映射状态）
	AllUserRules(ctx context.Context, userID int64) ([]RuleView, error)
}

type planService struct {
	users   repository.UsersRepository
	rules   repository.RulesRepository
	crules  repository.CommunityRulesRepository
	records repository.RecordsRepository
	clock   Clock
	loc     *time.Location
	logger  *zap.Logger
}

// NewPlanService 创建 PlanService 实例
func NewPlanService(repos *repository.Repositories, clock Clock, settings Settings, logger *zap.Logger) PlanService {
	return &planService{
		users:   repos.Users,
		rules:   repos.Rules,
		crules:  repos.CommunityRules,
		records: repos.Records,
		clock:   clock,
		loc:     settings.Location,
		logger:  logger,
	}
}

// TodayPlanRequest 今日计划请求；Date 为空时取当前日期
type TodayPlanRequest struct {
	UserID int64
	Date   *schedule.Date
}

// TodayPlanResponse 今日计划
type TodayPlanResponse struct {
	Date  string     `json:"date"`
	Items []PlanItem `json:"items"`
}

func (s *planService) TodayPlan(ctx context.Context, req TodayPlanRequest) (*TodayPlanResponse, error) {
	user, err := activeUser(ctx, s.users, req.UserID)
	if err != nil {
		return nil, err
	}
	date := schedule.DateOf(s.clock.Now(), s.loc)
	if req.Date != nil {
		date = *req.Date
	}

	rules, err := activePlanRules(ctx, s.rules, s.crules, user)
	if err != nil {
		return nil, err
	}
	records, err := s.records.ListRecords(ctx, user.UserID, date, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	return &TodayPlanResponse{
		Date:  date.String(),
		Items: Project(date, s.loc, rules, records),
	}, nil
}

func (s *planService) AllUserRules(ctx context.Context, userID int64) ([]RuleView, error) {
	user, err := activeUser(ctx, s.users, userID)
	if err != nil {
		return nil, err
	}

	personal, err := s.rules.ListRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]RuleView, 0, len(personal))
	for i := range personal {
		out = append(out, personalRuleView(&personal[i]))
	}

	if user.CommunityID != nil {
		community, err := s.crules.ListForUser(ctx, userID, *user.CommunityID)
		if err != nil {
			return nil, fmt.Errorf("failed to list community rules: %w", err)
		}
		for i := range community {
			active := community[i].IsActive
			out = append(out, communityRuleView(&community[i].Rule, &active))
		}
	}
	return out, nil
}

// activePlanRules 启用的个人规则 + 对该用户生效的社区规则（读取时自愈补齐映射）
func activePlanRules(ctx context.Context, rules repository.RulesRepository, crules repository.CommunityRulesRepository, user *domain.User) ([]PlanRule, error) {
	personal, err := rules.ListRules(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]PlanRule, 0, len(personal))
	for i := range personal {
		// ListRules 已排除 deleted；停用的个人规则只出现在管理视图（AllUserRules），不进入计划
		if personal[i].Status != domain.RuleEnabled {
			continue
		}
		out = append(out, planRuleOfPersonal(&personal[i]))
	}

	if user.CommunityID == nil {
		return out, nil
	}
	community, err := crules.ListActiveForUser(ctx, user.UserID, *user.CommunityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active community rules: %w", err)
	}
	for i := range community {
		out = append(out, planRuleOfCommunity(&community[i]))
	}
	return out, nil
}

// activeUser 用户不存在或已停用 → NO_SUCH_USER
func activeUser(ctx context.Context, users repository.UsersRepository, userID int64) (*domain.User, error) {
	u, err := users.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchUser, "user %d not found", userID)
	}
	return checkActive(u, userID)
}

// checkActive u 为 nil 表示不存在
func checkActive(u *domain.User, userID int64) (*domain.User, error) {
	if u == nil {
		return nil, apperr.NotFound(apperr.CodeNoSuchUser, "user %d not found", userID)
	}
	if !u.Active() {
		return nil, apperr.NotFound(apperr.CodeNoSuchUser, "user %d is disabled", userID)
	}
	return u, nil
}
