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

// 查询打卡记录允许的最大日期跨度
const maxRecordRangeDays = 366

// SupervisionService 监护关系与可见性判断
type SupervisionService interface {
	Invite(ctx context.Context, op authz.Principal, req InviteRequest) (*RelationDTO, error)
	AcceptInvite(ctx context.Context, op authz.Principal, token string) (*RelationDTO, error)
	Respond(ctx context.Context, op authz.Principal, relationID int64, accept bool) (*RelationDTO, error)
	Revoke(ctx context.Context, op authz.Principal, relationID int64) (*RelationDTO, error)
	ListSupervisors(ctx context.Context, op authz.Principal) ([]RelationDTO, error)
	ListSupervised(ctx context.Context, op authz.Principal) ([]RelationDTO, error)

	// CanView viewer 是否可以查看 solo 的某条规则（ruleID 为 nil 表示全部规则）
	CanView(ctx context.Context, viewer authz.Principal, soloID int64, ruleID *int64) (bool, error)
	// ViewableRecords [from, to] 内 viewer 有权查看的记录
	ViewableRecords(ctx context.Context, viewer authz.Principal, req ViewableRecordsRequest) ([]RecordDTO, error)
}

type supervisionService struct {
	users       repository.UsersRepository
	staff       repository.StaffRepository
	rules       repository.RulesRepository
	records     repository.RecordsRepository
	supervision repository.SupervisionRepository
	events      store.EventPublisher
	clock       Clock
	inviteTTL   time.Duration
	logger      *zap.Logger
}

// NewSupervisionService 创建 SupervisionService 实例
func NewSupervisionService(repos *repository.Repositories, events store.EventPublisher, clock Clock, settings Settings, logger *zap.Logger) SupervisionService {
	return &supervisionService{
		users:       repos.Users,
		staff:       repos.Staff,
		rules:       repos.Rules,
		records:     repos.Records,
		supervision: repos.Supervision,
		events:      events,
		clock:       clock,
		inviteTTL:   settings.InviteTTL,
		logger:      logger,
	}
}

// InviteRequest 邀请监护人；RuleID 为空表示监护全部规则
type InviteRequest struct {
	SupervisorUserID int64
	RuleID           *int64
}

// ViewableRecordsRequest 查询被监护人打卡记录
type ViewableRecordsRequest struct {
	SoloUserID int64
	From       schedule.Date
	To         schedule.Date
}

// RelationDTO 监护关系（前端格式）
type RelationDTO struct {
	RelationID       int64      `json:"relation_id"`
	SoloUserID       int64      `json:"solo_user_id"`
	SupervisorUserID int64      `json:"supervisor_user_id"`
	RuleID           *int64     `json:"rule_id"`
	Status           string     `json:"status"`
	InviteToken      string     `json:"invite_token,omitempty"`
	InviteExpiresAt  *time.Time `json:"invite_expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// relationDTO 邀请 token 只在创建邀请时返回
func relationDTO(r *domain.SupervisionRelation, withToken bool) *RelationDTO {
	dto := &RelationDTO{
		RelationID:       r.RelationID,
		SoloUserID:       r.SoloUserID,
		SupervisorUserID: r.SupervisorUserID,
		RuleID:           r.RuleID,
		Status:           r.Status.String(),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if withToken && r.InviteToken != nil {
		dto.InviteToken = *r.InviteToken
		dto.InviteExpiresAt = r.InviteExpiresAt
	}
	return dto
}

func (s *supervisionService) Invite(ctx context.Context, op authz.Principal, req InviteRequest) (*RelationDTO, error) {
	if req.SupervisorUserID == op.UserID {
		return nil, apperr.InvalidArgument("cannot supervise yourself")
	}
	if req.RuleID != nil {
		rule, err := s.rules.GetRule(ctx, *req.RuleID)
		if err != nil {
			return nil, notFoundAs(err, apperr.CodeNoSuchRule, "rule %d not found", *req.RuleID)
		}
		if rule.SoloUserID != op.UserID {
			return nil, apperr.PermissionDenied("rule %d is not owned by user", *req.RuleID).WithCode(apperr.CodeNotOwner)
		}
	}
	if _, err := activeUser(ctx, s.users, req.SupervisorUserID); err != nil {
		return nil, err
	}

	token, err := security.NewToken(32)
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate invite token")
	}
	now := s.clock.Now()
	expires := now.Add(s.inviteTTL)
	rel, err := s.supervision.UpsertInvite(ctx, &domain.SupervisionRelation{
		SoloUserID:       op.UserID,
		SupervisorUserID: req.SupervisorUserID,
		RuleID:           req.RuleID,
		Status:           domain.SupervisionPending,
		InviteToken:      &token,
		InviteExpiresAt:  &expires,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		s.logger.Warn("Invite failed",
			zap.Int64("solo_user_id", op.UserID),
			zap.Int64("supervisor_user_id", req.SupervisorUserID),
			zap.Error(err),
		)
		return nil, err
	}
	s.changed(ctx, rel, now)
	return relationDTO(rel, true), nil
}

// AcceptInvite 被邀请的监护人凭 token 接受邀请
func (s *supervisionService) AcceptInvite(ctx context.Context, op authz.Principal, token string) (*RelationDTO, error) {
	if token == "" {
		return nil, apperr.InvalidArgument("token is required")
	}
	rel, err := s.supervision.GetRelationByInviteToken(ctx, token)
	if err != nil {
		return nil, notFoundAs(err, "", "invite not found")
	}
	now := s.clock.Now()
	if rel.InviteExpiresAt != nil && !now.Before(*rel.InviteExpiresAt) {
		return nil, apperr.Precondition(apperr.CodeExpiredToken, "invite has expired")
	}
	if rel.SupervisorUserID != op.UserID {
		return nil, apperr.PermissionDenied("invite was issued to another user")
	}
	return s.transition(ctx, rel.RelationID, []domain.SupervisionStatus{domain.SupervisionPending}, domain.SupervisionAccepted, now)
}

// Respond 只有被邀请的监护人可以处理 pending 邀请
func (s *supervisionService) Respond(ctx context.Context, op authz.Principal, relationID int64, accept bool) (*RelationDTO, error) {
	rel, err := s.supervision.GetRelation(ctx, relationID)
	if err != nil {
		return nil, notFoundAs(err, "", "relation %d not found", relationID)
	}
	if rel.SupervisorUserID != op.UserID {
		return nil, apperr.PermissionDenied("only the invited supervisor can respond")
	}
	to := domain.SupervisionRejected
	if accept {
		to = domain.SupervisionAccepted
	}
	return s.transition(ctx, relationID, []domain.SupervisionStatus{domain.SupervisionPending}, to, s.clock.Now())
}

// Revoke 任一端均可撤销
func (s *supervisionService) Revoke(ctx context.Context, op authz.Principal, relationID int64) (*RelationDTO, error) {
	rel, err := s.supervision.GetRelation(ctx, relationID)
	if err != nil {
		return nil, notFoundAs(err, "", "relation %d not found", relationID)
	}
	if rel.SoloUserID != op.UserID && rel.SupervisorUserID != op.UserID {
		return nil, apperr.PermissionDenied("not an endpoint of relation %d", relationID)
	}
	return s.transition(ctx, relationID,
		[]domain.SupervisionStatus{domain.SupervisionPending, domain.SupervisionAccepted},
		domain.SupervisionRevoked, s.clock.Now())
}

func (s *supervisionService) transition(ctx context.Context, relationID int64, from []domain.SupervisionStatus, to domain.SupervisionStatus, now time.Time) (*RelationDTO, error) {
	rel, err := s.supervision.TransitionRelation(ctx, relationID, from, to, now)
	if err != nil {
		return nil, notFoundAs(err, "", "relation %d not found", relationID)
	}
	s.changed(ctx, rel, now)
	return relationDTO(rel, false), nil
}

func (s *supervisionService) changed(ctx context.Context, rel *domain.SupervisionRelation, now time.Time) {
	s.logger.Info("Supervision relation changed",
		zap.Int64("relation_id", rel.RelationID),
		zap.String("status", rel.Status.String()),
	)
	payload := map[string]any{
		"relation_id":        rel.RelationID,
		"supervisor_user_id": rel.SupervisorUserID,
		"status":             rel.Status.String(),
	}
	if rel.RuleID != nil {
		payload["rule_id"] = *rel.RuleID
	}
	publish(ctx, s.events, s.logger, store.Event{
		Type:       store.EventSupervision,
		UserID:     rel.SoloUserID,
		Payload:    payload,
		OccurredAt: now,
	})
}

func (s *supervisionService) ListSupervisors(ctx context.Context, op authz.Principal) ([]RelationDTO, error) {
	list, err := s.supervision.ListBySolo(ctx, op.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list supervisors: %w", err)
	}
	return relationDTOs(list), nil
}

func (s *supervisionService) ListSupervised(ctx context.Context, op authz.Principal) ([]RelationDTO, error) {
	list, err := s.supervision.ListBySupervisor(ctx, op.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list supervised users: %w", err)
	}
	return relationDTOs(list), nil
}

func relationDTOs(list []domain.SupervisionRelation) []RelationDTO {
	out := make([]RelationDTO, 0, len(list))
	for i := range list {
		out = append(out, *relationDTO(&list[i], false))
	}
	return out
}

// viewAccess viewer 对 solo 的访问范围：all 表示全部规则，否则只限 relations 覆盖的规则
type viewAccess struct {
	all       bool
	relations []domain.SupervisionRelation
}

func (a viewAccess) covers(ruleID *int64) bool {
	if a.all {
		return true
	}
	for i := range a.relations {
		if a.relations[i].Covers(ruleID) {
			return true
		}
	}
	return false
}

func (s *supervisionService) access(ctx context.Context, viewer authz.Principal, soloID int64) (viewAccess, error) {
	solo, err := activeUser(ctx, s.users, soloID)
	if err != nil {
		return viewAccess{}, err
	}
	var scope authz.Scope
	if solo.CommunityID != nil {
		scope, err = authz.ResolveScope(ctx, s.staff, viewer, *solo.CommunityID)
		if err != nil {
			return viewAccess{}, fmt.Errorf("failed to resolve scope: %w", err)
		}
	}
	if authz.CanViewSolo(viewer, soloID, false, scope) {
		return viewAccess{all: true}, nil
	}
	rels, err := s.supervision.ListAccepted(ctx, viewer.UserID, soloID)
	if err != nil {
		return viewAccess{}, fmt.Errorf("failed to list relations: %w", err)
	}
	return viewAccess{relations: rels}, nil
}

func (s *supervisionService) CanView(ctx context.Context, viewer authz.Principal, soloID int64, ruleID *int64) (bool, error) {
	a, err := s.access(ctx, viewer, soloID)
	if err != nil {
		return false, err
	}
	return a.covers(ruleID), nil
}

// ViewableRecords 社区规则的记录只对全量关系可见
func (s *supervisionService) ViewableRecords(ctx context.Context, viewer authz.Principal, req ViewableRecordsRequest) ([]RecordDTO, error) {
	if req.To.Before(req.From) {
		return nil, apperr.InvalidArgument("date range is reversed")
	}
	if req.From.AddDays(maxRecordRangeDays).Before(req.To) {
		return nil, apperr.InvalidArgument("date range exceeds %d days", maxRecordRangeDays)
	}

	a, err := s.access(ctx, viewer, req.SoloUserID)
	if err != nil {
		return nil, err
	}
	if !a.all && len(a.relations) == 0 {
		return nil, apperr.PermissionDenied("not allowed to view user %d", req.SoloUserID)
	}

	records, err := s.records.ListRecords(ctx, req.SoloUserID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]RecordDTO, 0, len(records))
	for i := range records {
		if !a.covers(records[i].RuleID) {
			continue
		}
		out = append(out, *recordDTO(&records[i]))
	}
	return out, nil
}
