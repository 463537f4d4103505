package domain

import "time"

// Role 用户角色（数值越大权限越高）
type Role int

const (
	RoleRegular          Role = 1
	RoleCommunityStaff   Role = 2
	RoleCommunityManager Role = 3
	RoleSuperAdmin       Role = 4
)

func (r Role) String() string {
	switch r {
	case RoleRegular:
		return "regular"
	case RoleCommunityStaff:
		return "community_staff"
	case RoleCommunityManager:
		return "community_manager"
	case RoleSuperAdmin:
		return "super_admin"
	}
	return "unknown"
}

func (r Role) Valid() bool { return r >= RoleRegular && r <= RoleSuperAdmin }

// UserStatus 用户状态
type UserStatus int

const (
	UserActive   UserStatus = 1
	UserDisabled UserStatus = 2 // 合并后的次账号
)

// User 用户领域模型（对应 users 表）
// 原始手机号不落库，只保存 phone_hash 与脱敏展示值
type User struct {
	UserID            int64
	Nickname          string
	AvatarURL         string
	WechatExternalID  *string
	PhoneHash         *string
	PhoneMasked       *string
	PasswordHash      *string
	PasswordSalt      *string
	Role              Role
	Status            UserStatus
	CommunityID       *int64
	CommunityJoinedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (u *User) Active() bool { return u.Status == UserActive }

// InCommunity 是否为该社区成员（主社区）
func (u *User) InCommunity(communityID int64) bool {
	return u.CommunityID != nil && *u.CommunityID == communityID
}

// UserAuditLog 特权操作审计（只追加）
type UserAuditLog struct {
	LogID      int64
	UserID     int64 // 被操作的用户
	OperatorID int64
	Action     string
	Detail     string
	CreatedAt  time.Time
}

// 审计动作
const (
	AuditMerge                = "user.merge"
	AuditRoleAssign           = "user.role_assign"
	AuditForcedMove           = "user.forced_move"
	AuditCommunityJoin        = "community.add_user"
	AuditCommunityRemove      = "community.remove_user"
	AuditStaffAdd             = "community.add_staff"
	AuditStaffRemove          = "community.remove_staff"
	AuditCommunityCreate      = "community.create"
	AuditCommunityUpdate      = "community.update"
	AuditCommunityToggle      = "community.toggle_status"
	AuditCommunityDelete      = "community.delete"
	AuditCommunityRuleCreate  = "community_rule.create"
	AuditCommunityRuleUpdate  = "community_rule.update"
	AuditCommunityRuleEnable  = "community_rule.enable"
	AuditCommunityRuleDisable = "community_rule.disable"
	AuditCommunityRuleDelete  = "community_rule.delete"
	AuditMappingToggle        = "community_rule.mapping"
)

// VerificationPurpose 验证码用途
type VerificationPurpose string

const (
	PurposeRegister VerificationPurpose = "register"
	PurposeLogin    VerificationPurpose = "login"
	PurposeBind     VerificationPurpose = "bind"
	PurposeReset    VerificationPurpose = "reset"
)

func (p VerificationPurpose) Valid() bool {
	switch p {
	case PurposeRegister, PurposeLogin, PurposeBind, PurposeReset:
		return true
	}
	return false
}

// VerificationCode 短信验证码（仅保存 hash + salt）
type VerificationCode struct {
	CodeID     int64
	PhoneHash  string
	Purpose    VerificationPurpose
	CodeHash   string
	Salt       string
	ExpiresAt  time.Time
	LastSentAt time.Time
	IsUsed     bool
}
