package service

import (
	"context"
	"fmt"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/authz"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"
	"checkin-core/internal/security"
	"checkin-core/internal/store"

	"go.uber.org/zap"
)

// 分享 token 熵：32 字节（256 bit）
const shareTokenBytes = 32

// ShareService 规则分享链接
type ShareService interface {
	CreateShareLink(ctx context.Context, op authz.Principal, req CreateShareLinkRequest) (*ShareLinkDTO, error)
	// ResolveShareLink 已登录的非本人访问者视为接受监护（幂等）
	ResolveShareLink(ctx context.Context, req ResolveShareLinkRequest) (*ShareViewDTO, error)
}

type shareService struct {
	users       repository.UsersRepository
	rules       repository.RulesRepository
	records     repository.RecordsRepository
	shares      repository.ShareLinksRepository
	supervision repository.SupervisionRepository
	events      store.EventPublisher
	clock       Clock
	settings    Settings
	logger      *zap.Logger
}

// NewShareService 创建 ShareService 实例
func NewShareService(repos *repository.Repositories, events store.EventPublisher, clock Clock, settings Settings, logger *zap.Logger) ShareService {
	return &shareService{
		users:       repos.Users,
		rules:       repos.Rules,
		records:     repos.Records,
		shares:      repos.ShareLinks,
		supervision: repos.Supervision,
		events:      events,
		clock:       clock,
		settings:    settings,
		logger:      logger,
	}
}

// CreateShareLinkRequest 创建分享链接；TTL 为 0 时使用默认值
type CreateShareLinkRequest struct {
	RuleID int64
	TTL    time.Duration
}

// ResolveShareLinkRequest 访问分享链接；Caller 为空表示匿名访问
type ResolveShareLinkRequest struct {
	Token     string
	Caller    *authz.Principal
	UserAgent string
	IPAddress string
}

// ShareLinkDTO 分享链接
type ShareLinkDTO struct {
	Token     string    `json:"token"`
	RuleID    int64     `json:"rule_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ShareViewDTO 分享页内容
type ShareViewDTO struct {
	SoloUserID int64     `json:"solo_user_id"`
	Nickname   string    `json:"nickname"`
	Rule       RuleView  `json:"rule"`
	Today      *PlanItem `json:"today"` // 今天不触发时为 null
	ExpiresAt  time.Time `json:"expires_at"`
	RelationID *int64    `json:"relation_id,omitempty"`
}

func (s *shareService) CreateShareLink(ctx context.Context, op authz.Principal, req CreateShareLinkRequest) (*ShareLinkDTO, error) {
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.settings.ShareDefaultTTL
	}
	if ttl < 0 || ttl > s.settings.ShareMaxTTL {
		return nil, apperr.InvalidArgument("ttl must be within (0, %s]", s.settings.ShareMaxTTL)
	}

	rule, err := s.rules.GetRule(ctx, req.RuleID)
	if err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", req.RuleID)
	}
	if rule.SoloUserID != op.UserID {
		return nil, apperr.PermissionDenied("rule %d is not owned by user", req.RuleID).WithCode(apperr.CodeNotOwner)
	}

	token, err := security.NewToken(shareTokenBytes)
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate share token")
	}
	now := s.clock.Now()
	link := &domain.ShareLink{
		Token:      token,
		SoloUserID: op.UserID,
		RuleID:     req.RuleID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.shares.CreateShareLink(ctx, link); err != nil {
		s.logger.Error("CreateShareLink failed", zap.Int64("user_id", op.UserID), zap.Int64("rule_id", req.RuleID), zap.Error(err))
		return nil, fmt.Errorf("failed to create share link: %w", err)
	}
	return &ShareLinkDTO{Token: token, RuleID: req.RuleID, ExpiresAt: link.ExpiresAt}, nil
}

func (s *shareService) ResolveShareLink(ctx context.Context, req ResolveShareLinkRequest) (*ShareViewDTO, error) {
	if req.Token == "" {
		return nil, apperr.InvalidArgument("token is required")
	}
	link, err := s.shares.GetShareLink(ctx, req.Token)
	if err != nil {
		return nil, notFoundAs(err, "", "share link not found")
	}
	now := s.clock.Now()
	if link.Expired(now) {
		return nil, apperr.Precondition(apperr.CodeExpiredToken, "share link has expired")
	}

	rule, err := s.rules.GetRule(ctx, link.RuleID)
	if err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", link.RuleID)
	}
	solo, err := activeUser(ctx, s.users, link.SoloUserID)
	if err != nil {
		return nil, err
	}

	view := &ShareViewDTO{
		SoloUserID: solo.UserID,
		Nickname:   solo.Nickname,
		Rule:       personalRuleView(rule),
		ExpiresAt:  link.ExpiresAt,
	}
	view.Rule.Editable = false

	var supervisorID *int64
	if req.Caller != nil && req.Caller.UserID != link.SoloUserID {
		ruleID := link.RuleID
		rel, created, err := s.supervision.UpsertAccepted(ctx, link.SoloUserID, req.Caller.UserID, &ruleID, now)
		if err != nil {
			s.logger.Error("UpsertAccepted failed", zap.String("token_prefix", tokenPrefix(req.Token)), zap.Error(err))
			return nil, fmt.Errorf("failed to accept supervision: %w", err)
		}
		supervisorID = int64Ptr(req.Caller.UserID)
		view.RelationID = int64Ptr(rel.RelationID)
		if created {
			s.logger.Info("Supervision accepted via share link",
				zap.Int64("solo_user_id", link.SoloUserID),
				zap.Int64("supervisor_user_id", req.Caller.UserID),
				zap.Int64("rule_id", link.RuleID),
			)
		}
	}

	if err := s.shares.AppendAccessLog(ctx, &domain.ShareLinkAccessLog{
		Token:            req.Token,
		UserAgent:        req.UserAgent,
		IPAddress:        req.IPAddress,
		SupervisorUserID: supervisorID,
		AccessedAt:       now,
	}); err != nil {
		return nil, fmt.Errorf("failed to append access log: %w", err)
	}

	today := schedule.DateOf(now, s.settings.Location)
	records, err := s.records.ListRecords(ctx, link.SoloUserID, today, today)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	if items := Project(today, s.settings.Location, []PlanRule{planRuleOfPersonal(rule)}, records); len(items) == 1 {
		view.Today = &items[0]
	}

	payload := map[string]any{"rule_id": link.RuleID}
	if supervisorID != nil {
		payload["supervisor_user_id"] = *supervisorID
	}
	publish(ctx, s.events, s.logger, store.Event{
		Type:       store.EventShareResolved,
		UserID:     link.SoloUserID,
		Payload:    payload,
		OccurredAt: now,
	})
	return view, nil
}

// tokenPrefix 日志中只记录 token 前缀
func tokenPrefix(token string) string {
	if len(token) > 6 {
		return token[:6]
	}
	return token
}
