package repository

import (
	"context"
	"errors"
	"time"

	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

// ErrNotFound 记录不存在（或已软删除）；业务错误码由 Service 层决定
var ErrNotFound = errors.New("not found")

// ErrDuplicate 违反唯一约束（手机号、openid、社区名称等）
var ErrDuplicate = errors.New("duplicate")

// Repositories 全部仓储，Postgres 与内存实现各提供一套
type Repositories struct {
	Users          UsersRepository
	Communities    CommunitiesRepository
	Staff          StaffRepository
	Rules          RulesRepository
	CommunityRules CommunityRulesRepository
	Records        RecordsRepository
	Supervision    SupervisionRepository
	ShareLinks     ShareLinksRepository
	Codes          VerificationCodesRepository
	Audit          AuditRepository
	Merge          MergeRepository
}

// UsersFilter 用户查询条件
type UsersFilter struct {
	Keyword     string // 昵称模糊匹配
	PhoneHash   string // 精确匹配
	CommunityID *int64
	Page        int
	Size        int
}

// UsersRepository 用户
type UsersRepository interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	// GetUsers 批量读取；不存在的 id 不出现在结果中
	GetUsers(ctx context.Context, userIDs []int64) (map[int64]*domain.User, error)
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (*domain.User, error)
	GetUserByWechatID(ctx context.Context, openid string) (*domain.User, error)

	// CreateUser 新建用户；手机号/openid 已被占用时返回 ErrDuplicate
	CreateUser(ctx context.Context, u *domain.User) (int64, error)
	// SetPhone 绑定手机号（仅 hash + 脱敏值）
	SetPhone(ctx context.Context, userID int64, phoneHash, phoneMasked string) error
	SetWechatID(ctx context.Context, userID int64, openid string) error
	SetPassword(ctx context.Context, userID int64, hash, salt string) error

	// SearchUsers 只返回 active 用户，按 user_id 排序
	SearchUsers(ctx context.Context, filter UsersFilter) ([]*domain.User, int, error)
}

// CommunitiesFilter 社区列表条件
type CommunitiesFilter struct {
	Keyword string
	Status  *domain.CommunityStatus
	Page    int
	Size    int
}

// CommunitiesRepository 社区与成员归属
type CommunitiesRepository interface {
	GetCommunity(ctx context.Context, communityID int64) (*domain.Community, error)
	ListCommunities(ctx context.Context, filter CommunitiesFilter) ([]*domain.Community, int, error)

	// EnsureReserved 按标记查找两个保留社区，不存在时按给定名称创建
	EnsureReserved(ctx context.Context, defaultName, blackhouseName string) (domain.ReservedCommunities, error)

	// CreateCommunity 名称重复返回 ErrDuplicate
	CreateCommunity(ctx context.Context, c *domain.Community, audit *domain.UserAuditLog) (int64, error)
	UpdateCommunity(ctx context.Context, c *domain.Community, audit *domain.UserAuditLog) error
	SetCommunityStatus(ctx context.Context, communityID int64, status domain.CommunityStatus, audit *domain.UserAuditLog) error
	// DeleteCommunity 成员迁往 moveTo，工作人员行删除，社区规则软删除
	DeleteCommunity(ctx context.Context, communityID, moveTo int64, at time.Time, audit *domain.UserAuditLog) error

	// MoveUser 修改用户主社区；expectFrom 非空时要求用户当前在该社区（否则 NOT_MEMBER），
	// 目标即当前社区时返回 ALREADY_MEMBER。旧社区的工作人员行一并删除。
	MoveUser(ctx context.Context, userID int64, expectFrom *int64, to int64, at time.Time, audit *domain.UserAuditLog) error
}

// StaffRepository 社区工作人员
type StaffRepository interface {
	GetStaffRole(ctx context.Context, communityID, userID int64) (domain.StaffRole, bool, error)
	ListStaff(ctx context.Context, communityID int64) ([]domain.CommunityStaff, error)
	// AddStaff 要求用户是成员（NOT_MEMBER）；一个社区至多一个 manager（MANAGER_EXISTS）。
	// 已是工作人员时更新角色。同时把用户全局角色提升到对应级别。
	AddStaff(ctx context.Context, communityID, userID int64, role domain.StaffRole, at time.Time, audit *domain.UserAuditLog) error
	// RemoveStaff 删除工作人员行，并按剩余行重新计算全局角色
	RemoveStaff(ctx context.Context, communityID, userID int64, audit *domain.UserAuditLog) error
}

// RulesRepository 个人规则
type RulesRepository interface {
	CreateRule(ctx context.Context, r *domain.Rule) (int64, error)
	// GetRule 已删除的规则返回 ErrNotFound
	GetRule(ctx context.Context, ruleID int64) (*domain.Rule, error)
	UpdateRule(ctx context.Context, r *domain.Rule) error
	SoftDeleteRule(ctx context.Context, ruleID int64, at time.Time) error
	// ListRules 用户全部未删除规则，按 rule_id 排序
	ListRules(ctx context.Context, userID int64) ([]domain.Rule, error)
}

// CommunityRulesRepository 社区规则与用户映射
type CommunityRulesRepository interface {
	CreateCommunityRule(ctx context.Context, r *domain.CommunityRule, audit *domain.UserAuditLog) (int64, error)
	GetCommunityRule(ctx context.Context, ruleID int64) (*domain.CommunityRule, error)
	// UpdateCommunityRule 启用状态下返回 RULE_ENABLED
	UpdateCommunityRule(ctx context.Context, r *domain.CommunityRule, audit *domain.UserAuditLog) error
	// EnableCommunityRule draft/disabled → enabled，并为当前全部成员补齐映射
	EnableCommunityRule(ctx context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error
	// DisableCommunityRule enabled → 0（带 disabled 标记），映射保留
	DisableCommunityRule(ctx context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error
	// DeleteCommunityRule 启用状态下返回 RULE_ENABLED
	DeleteCommunityRule(ctx context.Context, ruleID int64, at time.Time, audit *domain.UserAuditLog) error
	// ListCommunityRules 默认只返回 enabled；includeDisabled 时包含从未启用的 draft 和停用后的规则（status=0）
	ListCommunityRules(ctx context.Context, communityID int64, includeDisabled bool) ([]domain.CommunityRule, error)

	// ListActiveForUser 先补齐缺失映射（is_active=true），再返回 enabled ∧ is_active 的规则；
	// 两步在同一事务中提交
	ListActiveForUser(ctx context.Context, userID, communityID int64) ([]domain.CommunityRule, error)
	// ListForUser 管理视图：enabled 与 disabled 规则及映射状态
	ListForUser(ctx context.Context, userID, communityID int64) ([]domain.CommunityRuleForUser, error)
	// SetMappingActive upsert 映射
	SetMappingActive(ctx context.Context, userID, ruleID int64, active bool, audit *domain.UserAuditLog) error
	GetMapping(ctx context.Context, userID, ruleID int64) (*domain.UserCommunityRuleMapping, error)
	// ReconcileAllMappings 为所有 enabled 规则 × 成员补齐映射，返回新建行数
	ReconcileAllMappings(ctx context.Context) (int64, error)
}

// CheckinInput 打卡写入参数
type CheckinInput struct {
	UserID      int64
	Ref         domain.RuleRef
	PlannedTime time.Time
	PlannedDate schedule.Date
	Now         time.Time
}

// RecordsRepository 打卡记录
type RecordsRepository interface {
	// Checkin 单事务：按 (规则, 用户, 日期) 串行化，决策见 domain.DecideCheckin
	Checkin(ctx context.Context, in CheckinInput) (*domain.CheckinRecord, error)
	// CancelCheckin 单事务：锁定记录，校验见 domain.CheckCancel
	CancelCheckin(ctx context.Context, recordID, userID int64, now time.Time, window time.Duration) (*domain.CheckinRecord, error)
	GetRecord(ctx context.Context, recordID int64) (*domain.CheckinRecord, error)
	// ListRecords [from, to] 闭区间，按 planned_time, record_id 排序
	ListRecords(ctx context.Context, userID int64, from, to schedule.Date) ([]domain.CheckinRecord, error)
	CountRecords(ctx context.Context, userID int64) (int, error)
}

// SupervisionRepository 监护关系
type SupervisionRepository interface {
	GetRelation(ctx context.Context, relationID int64) (*domain.SupervisionRelation, error)
	GetRelationByInviteToken(ctx context.Context, token string) (*domain.SupervisionRelation, error)
	FindRelation(ctx context.Context, soloID, supervisorID int64, ruleID *int64) (*domain.SupervisionRelation, error)
	// UpsertInvite 三元组不存在时新建 pending；已存在且非 accepted 时重置为 pending 并换 token
	UpsertInvite(ctx context.Context, rel *domain.SupervisionRelation) (*domain.SupervisionRelation, error)
	// UpsertAccepted 幂等：三元组置为 accepted，created 表示是否新建
	UpsertAccepted(ctx context.Context, soloID, supervisorID int64, ruleID *int64, at time.Time) (*domain.SupervisionRelation, bool, error)
	// TransitionRelation 仅当当前状态属于 from 时更新（否则 INVALID_STATE），并清除 invite_token
	TransitionRelation(ctx context.Context, relationID int64, from []domain.SupervisionStatus, to domain.SupervisionStatus, at time.Time) (*domain.SupervisionRelation, error)
	ListBySolo(ctx context.Context, soloID int64) ([]domain.SupervisionRelation, error)
	ListBySupervisor(ctx context.Context, supervisorID int64) ([]domain.SupervisionRelation, error)
	// ListAccepted supervisor 对 solo 的全部 accepted 关系
	ListAccepted(ctx context.Context, supervisorID, soloID int64) ([]domain.SupervisionRelation, error)
	// PurgeExpiredInvites 清除过期 invite_token，返回影响行数
	PurgeExpiredInvites(ctx context.Context, now time.Time) (int64, error)
}

// ShareLinksRepository 分享链接
type ShareLinksRepository interface {
	CreateShareLink(ctx context.Context, link *domain.ShareLink) error
	GetShareLink(ctx context.Context, token string) (*domain.ShareLink, error)
	AppendAccessLog(ctx context.Context, log *domain.ShareLinkAccessLog) error
	ListAccessLogs(ctx context.Context, token string) ([]domain.ShareLinkAccessLog, error)
	DeleteExpiredShareLinks(ctx context.Context, now time.Time) (int64, error)
}

// VerificationCodesRepository 短信验证码
type VerificationCodesRepository interface {
	// ReplaceCode 作废同 (phone_hash, purpose) 的未使用验证码后写入新码
	ReplaceCode(ctx context.Context, code *domain.VerificationCode) error
	// GetLiveCode 未使用且未过期的验证码
	GetLiveCode(ctx context.Context, phoneHash string, purpose domain.VerificationPurpose, now time.Time) (*domain.VerificationCode, error)
	// MarkCodeUsed 已使用时返回 ErrNotFound
	MarkCodeUsed(ctx context.Context, codeID int64) error
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepository 审计日志（只追加）
type AuditRepository interface {
	AppendAudit(ctx context.Context, log *domain.UserAuditLog) error
	ListAudit(ctx context.Context, userID int64) ([]domain.UserAuditLog, error)
}

// MergeRepository 账号合并
type MergeRepository interface {
	// MergeUsers 单事务内把 secondary 的数据迁移到 primary 并停用 secondary
	MergeUsers(ctx context.Context, primaryID, secondaryID int64, at time.Time, audit *domain.UserAuditLog) error
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
