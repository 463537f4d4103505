package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/authz"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/security"

	"go.uber.org/zap"
)

// CommunityService 社区、成员与工作人员管理
type CommunityService interface {
	// 社区
	CreateCommunity(ctx context.Context, op authz.Principal, req CreateCommunityRequest) (*CommunityDTO, error)
	UpdateCommunity(ctx context.Context, op authz.Principal, req UpdateCommunityRequest) (*CommunityDTO, error)
	ToggleStatus(ctx context.Context, op authz.Principal, communityID int64, enabled bool) (*CommunityDTO, error)
	DeleteCommunity(ctx context.Context, op authz.Principal, communityID int64) error
	GetCommunity(ctx context.Context, communityID int64) (*CommunityDTO, error)
	ListCommunities(ctx context.Context, req ListCommunitiesRequest) (*ListCommunitiesResponse, error)

	// 成员
	AddUsers(ctx context.Context, op authz.Principal, communityID int64, userIDs []int64) ([]domain.BatchResult, error)
	RemoveUser(ctx context.Context, op authz.Principal, communityID, userID int64) (*UserDTO, error)
	ListUsers(ctx context.Context, op authz.Principal, req ListCommunityUsersRequest) (*ListUsersResponse, error)
	SearchUsers(ctx context.Context, op authz.Principal, req SearchUsersRequest) (*ListUsersResponse, error)

	// 工作人员
	AddStaff(ctx context.Context, op authz.Principal, communityID int64, userIDs []int64, role domain.StaffRole) ([]domain.BatchResult, error)
	RemoveStaff(ctx context.Context, op authz.Principal, communityID, userID int64) error
	ListStaff(ctx context.Context, op authz.Principal, communityID int64) ([]StaffDTO, error)

	Reserved() domain.ReservedCommunities
}

type communityService struct {
	users       repository.UsersRepository
	communities repository.CommunitiesRepository
	staff       repository.StaffRepository
	reserved    domain.ReservedCommunities
	hasher      *security.PhoneHasher
	clock       Clock
	batchCap    int
	logger      *zap.Logger
}

// NewCommunityService 创建 CommunityService 实例；reserved 为启动时按标记查询到的保留社区
func NewCommunityService(
	repos *repository.Repositories,
	reserved domain.ReservedCommunities,
	hasher *security.PhoneHasher,
	clock Clock,
	settings Settings,
	logger *zap.Logger,
) CommunityService {
	return &communityService{
		users:       repos.Users,
		communities: repos.Communities,
		staff:       repos.Staff,
		reserved:    reserved,
		hasher:      hasher,
		clock:       clock,
		batchCap:    settings.BatchCap,
		logger:      logger,
	}
}

// CreateCommunityRequest 创建社区请求
type CreateCommunityRequest struct {
	Name      string
	Latitude  *float64
	Longitude *float64
}

// UpdateCommunityRequest 更新社区请求（nil 字段不修改）
type UpdateCommunityRequest struct {
	CommunityID int64
	Name        *string
	Latitude    *float64
	Longitude   *float64
}

// ListCommunitiesRequest 社区列表请求
type ListCommunitiesRequest struct {
	Keyword string
	Status  *domain.CommunityStatus
	Page    int
	Size    int
}

// ListCommunitiesResponse 社区列表响应
type ListCommunitiesResponse struct {
	Items []CommunityDTO `json:"items"`
	Total int            `json:"total"`
}

// ListCommunityUsersRequest 社区成员列表请求
type ListCommunityUsersRequest struct {
	CommunityID int64
	Keyword     string
	Page        int
	Size        int
}

// SearchUsersRequest 用户搜索；CommunityID 为空时为全局搜索（仅 super_admin）
type SearchUsersRequest struct {
	Keyword     string
	Phone       string
	CommunityID *int64
	Page        int
	Size        int
}

// ListUsersResponse 用户列表响应
type ListUsersResponse struct {
	Items []UserDTO `json:"items"`
	Total int       `json:"total"`
}

// CommunityDTO 社区（前端格式）
type CommunityDTO struct {
	CommunityID  int64     `json:"community_id"`
	Name         string    `json:"name"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Status       int       `json:"status"`
	IsDefault    bool      `json:"is_default"`
	IsBlackhouse bool      `json:"is_blackhouse"`
	CreatedAt    time.Time `json:"created_at"`
}

func communityDTO(c *domain.Community) *CommunityDTO {
	return &CommunityDTO{
		CommunityID:  c.CommunityID,
		Name:         c.Name,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		Status:       int(c.Status),
		IsDefault:    c.IsDefault,
		IsBlackhouse: c.IsBlackhouse,
		CreatedAt:    c.CreatedAt,
	}
}

// UserDTO 用户（手机号只返回脱敏值）
type UserDTO struct {
	UserID            int64      `json:"user_id"`
	Nickname          string     `json:"nickname"`
	AvatarURL         string     `json:"avatar_url"`
	Phone             string     `json:"phone,omitempty"`
	Role              int        `json:"role"`
	RoleName          string     `json:"role_name"`
	CommunityID       *int64     `json:"community_id"`
	CommunityJoinedAt *time.Time `json:"community_joined_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func userDTO(u *domain.User) *UserDTO {
	dto := &UserDTO{
		UserID:            u.UserID,
		Nickname:          u.Nickname,
		AvatarURL:         u.AvatarURL,
		Role:              int(u.Role),
		RoleName:          u.Role.String(),
		CommunityID:       u.CommunityID,
		CommunityJoinedAt: u.CommunityJoinedAt,
		CreatedAt:         u.CreatedAt,
	}
	if u.PhoneMasked != nil {
		dto.Phone = *u.PhoneMasked
	}
	return dto
}

// StaffDTO 社区工作人员
type StaffDTO struct {
	CommunityID int64     `json:"community_id"`
	UserID      int64     `json:"user_id"`
	Role        string    `json:"role"`
	Nickname    string    `json:"nickname"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *communityService) Reserved() domain.ReservedCommunities { return s.reserved }

func (s *communityService) scope(ctx context.Context, op authz.Principal, communityID int64) (authz.Scope, error) {
	scope, err := authz.ResolveScope(ctx, s.staff, op, communityID)
	if err != nil {
		return scope, fmt.Errorf("failed to resolve scope: %w", err)
	}
	return scope, nil
}

func (s *communityService) load(ctx context.Context, communityID int64) (*domain.Community, error) {
	c, err := s.communities.GetCommunity(ctx, communityID)
	if err != nil {
		return nil, notFoundAs(err, "", "community %d not found", communityID)
	}
	return c, nil
}

func (s *communityService) CreateCommunity(ctx context.Context, op authz.Principal, req CreateCommunityRequest) (*CommunityDTO, error) {
	if err := authz.Require(authz.CanCreateCommunity(op), "create community"); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if err := validateGeo(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	c := &domain.Community{
		Name:      name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Status:    domain.CommunityEnabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.communities.CreateCommunity(ctx, c,
		newAudit(op.UserID, op.UserID, domain.AuditCommunityCreate, map[string]any{"name": name}))
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodeDuplicateName, "community name %q already exists", name)
		}
		s.logger.Error("CreateCommunity failed", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to create community: %w", err)
	}
	c.CommunityID = id
	s.logger.Info("Community created", zap.Int64("community_id", id), zap.Int64("operator_id", op.UserID))
	return communityDTO(c), nil
}

func validateGeo(lat, lon *float64) error {
	if lat != nil && (*lat < -90 || *lat > 90) {
		return apperr.InvalidArgument("latitude out of range")
	}
	if lon != nil && (*lon < -180 || *lon > 180) {
		return apperr.InvalidArgument("longitude out of range")
	}
	return nil
}

func (s *communityService) UpdateCommunity(ctx context.Context, op authz.Principal, req UpdateCommunityRequest) (*CommunityDTO, error) {
	scope, err := s.scope(ctx, op, req.CommunityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanUpdateCommunity(op, scope), "update community"); err != nil {
		return nil, err
	}
	c, err := s.load(ctx, req.CommunityID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.InvalidArgument("name must not be empty")
		}
		c.Name = name
	}
	if err := validateGeo(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	if req.Latitude != nil {
		c.Latitude = req.Latitude
	}
	if req.Longitude != nil {
		c.Longitude = req.Longitude
	}
	c.UpdatedAt = s.clock.Now()

	if err := s.communities.UpdateCommunity(ctx, c,
		newAudit(op.UserID, op.UserID, domain.AuditCommunityUpdate, map[string]any{"community_id": c.CommunityID, "name": c.Name})); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodeDuplicateName, "community name %q already exists", c.Name)
		}
		return nil, notFoundAs(err, "", "community %d not found", req.CommunityID)
	}
	return communityDTO(c), nil
}

// ToggleStatus 保留社区不可停用
func (s *communityService) ToggleStatus(ctx context.Context, op authz.Principal, communityID int64, enabled bool) (*CommunityDTO, error) {
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanUpdateCommunity(op, scope), "toggle community status"); err != nil {
		return nil, err
	}
	c, err := s.load(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if !enabled && c.Reserved() {
		return nil, apperr.Precondition(apperr.CodeReservedCommunity, "reserved community %d cannot be disabled", communityID)
	}

	status := domain.CommunityDisabled
	if enabled {
		status = domain.CommunityEnabled
	}
	if err := s.communities.SetCommunityStatus(ctx, communityID, status,
		newAudit(op.UserID, op.UserID, domain.AuditCommunityToggle, map[string]any{"community_id": communityID, "status": int(status)})); err != nil {
		return nil, notFoundAs(err, "", "community %d not found", communityID)
	}
	c.Status = status
	return communityDTO(c), nil
}

// DeleteCommunity 仅 super_admin；成员迁往默认社区
func (s *communityService) DeleteCommunity(ctx context.Context, op authz.Principal, communityID int64) error {
	if err := authz.Require(op.IsSuperAdmin(), "delete community"); err != nil {
		return err
	}
	c, err := s.load(ctx, communityID)
	if err != nil {
		return err
	}
	if c.Reserved() || s.reserved.IsReserved(communityID) {
		return apperr.Precondition(apperr.CodeReservedCommunity, "reserved community %d cannot be deleted", communityID)
	}
	if err := s.communities.DeleteCommunity(ctx, communityID, s.reserved.DefaultID, s.clock.Now(),
		newAudit(op.UserID, op.UserID, domain.AuditCommunityDelete, map[string]any{"community_id": communityID, "name": c.Name})); err != nil {
		return notFoundAs(err, "", "community %d not found", communityID)
	}
	s.logger.Info("Community deleted", zap.Int64("community_id", communityID), zap.Int64("operator_id", op.UserID))
	return nil
}

func (s *communityService) GetCommunity(ctx context.Context, communityID int64) (*CommunityDTO, error) {
	c, err := s.load(ctx, communityID)
	if err != nil {
		return nil, err
	}
	return communityDTO(c), nil
}

func (s *communityService) ListCommunities(ctx context.Context, req ListCommunitiesRequest) (*ListCommunitiesResponse, error) {
	list, total, err := s.communities.ListCommunities(ctx, repository.CommunitiesFilter{
		Keyword: strings.TrimSpace(req.Keyword),
		Status:  req.Status,
		Page:    req.Page,
		Size:    req.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	items := make([]CommunityDTO, 0, len(list))
	for _, c := range list {
		items = append(items, *communityDTO(c))
	}
	return &ListCommunitiesResponse{Items: items, Total: total}, nil
}

// checkBatch 去重并校验数量上限
func (s *communityService) checkBatch(userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, apperr.InvalidArgument("user_ids is required")
	}
	seen := make(map[int64]bool, len(userIDs))
	out := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > s.batchCap {
		return nil, apperr.Precondition(apperr.CodeCapExceeded, "at most %d users per call", s.batchCap)
	}
	return out, nil
}

// batchUsers 一次查询读出整批用户
func (s *communityService) batchUsers(ctx context.Context, ids []int64) (map[int64]*domain.User, error) {
	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	return users, nil
}

// batchResult 把单个对象的错误转换为结果项；非业务错误原样返回以终止批处理
func batchResult(userID int64, err error) (domain.BatchResult, error) {
	if err == nil {
		return domain.BatchResult{UserID: userID, OK: true}, nil
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		return domain.BatchResult{}, err
	}
	code := ae.Code
	if code == "" {
		code = string(ae.Kind)
	}
	return domain.BatchResult{UserID: userID, Code: code, Msg: ae.Message}, nil
}

// AddUsers 把用户的主社区改为 C；逐个提交，请求中断时只返回已完成的部分
func (s *communityService) AddUsers(ctx context.Context, op authz.Principal, communityID int64, userIDs []int64) ([]domain.BatchResult, error) {
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanManageUsers(op, scope), "add users"); err != nil {
		return nil, err
	}
	ids, err := s.checkBatch(userIDs)
	if err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, communityID); err != nil {
		return nil, err
	}

	users, err := s.batchUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]domain.BatchResult, 0, len(ids))
	for _, uid := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := batchResult(uid, s.addUser(ctx, op, communityID, uid, users[uid]))
		if err != nil {
			s.logger.Error("AddUsers failed", zap.Int64("community_id", communityID), zap.Int64("user_id", uid), zap.Error(err))
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *communityService) addUser(ctx context.Context, op authz.Principal, communityID, userID int64, cached *domain.User) error {
	u, err := checkActive(cached, userID)
	if err != nil {
		return err
	}
	from := int64(0)
	if u.CommunityID != nil {
		from = *u.CommunityID
	}
	err = s.communities.MoveUser(ctx, userID, nil, communityID, s.clock.Now(),
		newAudit(userID, op.UserID, domain.AuditCommunityJoin, map[string]any{"from": from, "to": communityID}))
	return notFoundAs(err, apperr.CodeNoSuchUser, "user %d not found", userID)
}

// RemoveUser 从默认社区移除 → 小黑屋；其它社区 → 默认社区
func (s *communityService) RemoveUser(ctx context.Context, op authz.Principal, communityID, userID int64) (*UserDTO, error) {
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanManageUsers(op, scope), "remove users"); err != nil {
		return nil, err
	}
	if _, err := activeUser(ctx, s.users, userID); err != nil {
		return nil, err
	}

	to := s.reserved.DefaultID
	if communityID == s.reserved.DefaultID {
		to = s.reserved.BlackhouseID
	}
	from := communityID
	if err := s.communities.MoveUser(ctx, userID, &from, to, s.clock.Now(),
		newAudit(userID, op.UserID, domain.AuditCommunityRemove, map[string]any{"from": communityID, "to": to})); err != nil {
		return nil, notFoundAs(err, apperr.CodeNoSuchUser, "user %d not found", userID)
	}
	s.logger.Info("User removed from community",
		zap.Int64("community_id", communityID),
		zap.Int64("user_id", userID),
		zap.Int64("moved_to", to),
	)

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	return userDTO(u), nil
}

func (s *communityService) ListUsers(ctx context.Context, op authz.Principal, req ListCommunityUsersRequest) (*ListUsersResponse, error) {
	scope, err := s.scope(ctx, op, req.CommunityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanSearchInCommunity(op, scope), "list community users"); err != nil {
		return nil, err
	}
	cid := req.CommunityID
	return s.search(ctx, repository.UsersFilter{
		Keyword:     strings.TrimSpace(req.Keyword),
		CommunityID: &cid,
		Page:        req.Page,
		Size:        req.Size,
	})
}

// SearchUsers 全局搜索仅 super_admin；指定社区时需是该社区工作人员
func (s *communityService) SearchUsers(ctx context.Context, op authz.Principal, req SearchUsersRequest) (*ListUsersResponse, error) {
	if req.CommunityID == nil {
		if err := authz.Require(authz.CanSearchAllUsers(op), "search all users"); err != nil {
			return nil, err
		}
	} else {
		scope, err := s.scope(ctx, op, *req.CommunityID)
		if err != nil {
			return nil, err
		}
		if err := authz.Require(authz.CanSearchInCommunity(op, scope), "search community users"); err != nil {
			return nil, err
		}
	}

	filter := repository.UsersFilter{
		Keyword:     strings.TrimSpace(req.Keyword),
		CommunityID: req.CommunityID,
		Page:        req.Page,
		Size:        req.Size,
	}
	if req.Phone != "" {
		e164, err := security.NormalizePhone(req.Phone)
		if err != nil {
			return nil, apperr.InvalidArgument("invalid phone number")
		}
		filter.PhoneHash = s.hasher.Hash(e164)
	}
	return s.search(ctx, filter)
}

func (s *communityService) search(ctx context.Context, filter repository.UsersFilter) (*ListUsersResponse, error) {
	list, total, err := s.users.SearchUsers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	items := make([]UserDTO, 0, len(list))
	for _, u := range list {
		items = append(items, *userDTO(u))
	}
	return &ListUsersResponse{Items: items, Total: total}, nil
}

// AddStaff 先成员后工作人员；每个社区至多一个 manager
func (s *communityService) AddStaff(ctx context.Context, op authz.Principal, communityID int64, userIDs []int64, role domain.StaffRole) ([]domain.BatchResult, error) {
	if !role.Valid() {
		return nil, apperr.InvalidArgument("role must be manager or staff")
	}
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanManageStaff(op, scope), "manage staff"); err != nil {
		return nil, err
	}
	ids, err := s.checkBatch(userIDs)
	if err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, communityID); err != nil {
		return nil, err
	}

	users, err := s.batchUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]domain.BatchResult, 0, len(ids))
	for _, uid := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := batchResult(uid, s.addStaff(ctx, op, communityID, uid, role, users[uid]))
		if err != nil {
			s.logger.Error("AddStaff failed", zap.Int64("community_id", communityID), zap.Int64("user_id", uid), zap.Error(err))
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *communityService) addStaff(ctx context.Context, op authz.Principal, communityID, userID int64, role domain.StaffRole, cached *domain.User) error {
	if _, err := checkActive(cached, userID); err != nil {
		return err
	}
	err := s.staff.AddStaff(ctx, communityID, userID, role, s.clock.Now(),
		newAudit(userID, op.UserID, domain.AuditStaffAdd, map[string]any{"community_id": communityID, "role": string(role)}))
	return notFoundAs(err, apperr.CodeNoSuchUser, "user %d not found", userID)
}

func (s *communityService) RemoveStaff(ctx context.Context, op authz.Principal, communityID, userID int64) error {
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return err
	}
	if err := authz.Require(authz.CanManageStaff(op, scope), "manage staff"); err != nil {
		return err
	}
	if err := s.staff.RemoveStaff(ctx, communityID, userID,
		newAudit(userID, op.UserID, domain.AuditStaffRemove, map[string]any{"community_id": communityID})); err != nil {
		return notFoundAs(err, "", "user %d is not staff of community %d", userID, communityID)
	}
	return nil
}

func (s *communityService) ListStaff(ctx context.Context, op authz.Principal, communityID int64) ([]StaffDTO, error) {
	scope, err := s.scope(ctx, op, communityID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(authz.CanManageUsers(op, scope), "list staff"); err != nil {
		return nil, err
	}
	list, err := s.staff.ListStaff(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff: %w", err)
	}
	out := make([]StaffDTO, 0, len(list))
	for _, st := range list {
		out = append(out, StaffDTO{
			CommunityID: st.CommunityID,
			UserID:      st.UserID,
			Role:        string(st.Role),
			Nickname:    st.Nickname,
			CreatedAt:   st.CreatedAt,
		})
	}
	return out, nil
}
