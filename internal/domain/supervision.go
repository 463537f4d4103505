package domain

import "time"

// SupervisionStatus 监护关系状态
type SupervisionStatus int

const (
	SupervisionPending  SupervisionStatus = 0
	SupervisionAccepted SupervisionStatus = 1
	SupervisionRejected SupervisionStatus = 2
	SupervisionRevoked  SupervisionStatus = 3
)

func (s SupervisionStatus) String() string {
	switch s {
	case SupervisionPending:
		return "pending"
	case SupervisionAccepted:
		return "accepted"
	case SupervisionRejected:
		return "rejected"
	case SupervisionRevoked:
		return "revoked"
	}
	return "unknown"
}

// SupervisionRelation 监护人 → 独居用户 的有向边；RuleID 为空表示监护全部规则
type SupervisionRelation struct {
	RelationID       int64
	SoloUserID       int64
	SupervisorUserID int64
	RuleID           *int64
	Status           SupervisionStatus
	InviteToken      *string
	InviteExpiresAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Covers 已接受且覆盖该规则（ruleID 为 nil 时只匹配全量关系）
func (r *SupervisionRelation) Covers(ruleID *int64) bool {
	if r.Status != SupervisionAccepted {
		return false
	}
	if r.RuleID == nil {
		return true
	}
	return ruleID != nil && *r.RuleID == *ruleID
}

// ShareLink 分享链接（单一用途、会过期）
type ShareLink struct {
	Token      string
	SoloUserID int64
	RuleID     int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func (l *ShareLink) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// ShareLinkAccessLog 分享链接访问日志（只追加）
type ShareLinkAccessLog struct {
	LogID            int64
	Token            string
	UserAgent        string
	IPAddress        string
	SupervisorUserID *int64
	AccessedAt       time.Time
}
