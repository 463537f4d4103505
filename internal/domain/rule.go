package domain

import (
	"time"

	"checkin-core/internal/schedule"
)

// RuleStatus 个人规则状态
type RuleStatus int

const (
	RuleDisabled RuleStatus = 0
	RuleEnabled  RuleStatus = 1
	RuleDeleted  RuleStatus = 2
)

// CommunityRuleStatus 社区规则状态；停用后回到 0，并带 disabled_at 标记
type CommunityRuleStatus int

const (
	CommunityRuleDraft   CommunityRuleStatus = 0
	CommunityRuleEnabled CommunityRuleStatus = 1
	CommunityRuleDeleted CommunityRuleStatus = 2
)

// SourceKind 规则来源
type SourceKind string

const (
	SourcePersonal  SourceKind = "personal"
	SourceCommunity SourceKind = "community"
)

func (k SourceKind) Valid() bool { return k == SourcePersonal || k == SourceCommunity }

// RuleSource 规则来源的标签联合：Personal 或 Community{CommunityID}
type RuleSource struct {
	Kind        SourceKind
	CommunityID int64
}

func PersonalSource() RuleSource { return RuleSource{Kind: SourcePersonal} }

func CommunitySource(communityID int64) RuleSource {
	return RuleSource{Kind: SourceCommunity, CommunityID: communityID}
}

// RuleRef 规则引用（来源 + id）
type RuleRef struct {
	Kind SourceKind
	ID   int64
}

// Rule 个人打卡规则（solo_user_id 为所有者）
type Rule struct {
	RuleID     int64
	SoloUserID int64
	Name       string
	Icon       string
	Schedule   schedule.Schedule
	Status     RuleStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

func (r *Rule) Ref() RuleRef { return RuleRef{Kind: SourcePersonal, ID: r.RuleID} }

// CommunityRule 社区打卡规则（由社区工作人员创建）
// enabled 状态下调度字段不可变，只能停用或删除
type CommunityRule struct {
	CommunityRuleID int64
	CommunityID     int64
	Name            string
	Icon            string
	Schedule        schedule.Schedule
	Status          CommunityRuleStatus
	CreatedBy       int64
	EnabledBy       *int64
	EnabledAt       *time.Time
	DisabledBy      *int64
	DisabledAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

func (r *CommunityRule) Ref() RuleRef { return RuleRef{Kind: SourceCommunity, ID: r.CommunityRuleID} }

// Disabled 曾启用后又被停用
func (r *CommunityRule) Disabled() bool {
	return r.Status == CommunityRuleDraft && r.DisabledAt != nil
}

// StatusLabel 对外展示的状态
func (r *CommunityRule) StatusLabel() string {
	switch {
	case r.Status == CommunityRuleEnabled:
		return "enabled"
	case r.Status == CommunityRuleDeleted:
		return "deleted"
	case r.Disabled():
		return "disabled"
	}
	return "draft"
}

// UserCommunityRuleMapping 社区规则对单个用户的启用映射
type UserCommunityRuleMapping struct {
	UserID          int64
	CommunityRuleID int64
	IsActive        bool
}

// CommunityRuleForUser 用户视角的社区规则（带映射状态）
type CommunityRuleForUser struct {
	Rule     CommunityRule
	IsActive bool
}

// RuleFields 创建/更新规则时的可变字段；更新时 nil 表示不修改
type RuleFields struct {
	Name     *string
	Icon     *string
	Schedule *schedule.Schedule
	Status   *RuleStatus
}
