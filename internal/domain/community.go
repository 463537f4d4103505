package domain

import "time"

// CommunityStatus 社区状态
type CommunityStatus int

const (
	CommunityDisabled CommunityStatus = 0
	CommunityEnabled  CommunityStatus = 1
)

// Community 社区（租户维度）
// is_default / is_blackhouse 全局各只有一行，二者均不可删除、禁用或取消标记
type Community struct {
	CommunityID  int64
	Name         string
	Latitude     *float64
	Longitude    *float64
	Status       CommunityStatus
	IsDefault    bool
	IsBlackhouse bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (c *Community) Reserved() bool { return c.IsDefault || c.IsBlackhouse }

// StaffRole 社区工作人员角色
type StaffRole string

const (
	StaffManager StaffRole = "manager"
	StaffMember  StaffRole = "staff"
)

func (r StaffRole) Valid() bool { return r == StaffManager || r == StaffMember }

// UserRole 对应的全局角色
func (r StaffRole) UserRole() Role {
	if r == StaffManager {
		return RoleCommunityManager
	}
	return RoleCommunityStaff
}

// CommunityStaff 社区工作人员（一个社区至多一个 manager）
type CommunityStaff struct {
	CommunityID int64
	UserID      int64
	Role        StaffRole
	Nickname    string
	CreatedAt   time.Time
}

// ReservedCommunities 启动时按标记查询并缓存的保留社区
type ReservedCommunities struct {
	DefaultID    int64
	BlackhouseID int64
}

func (r ReservedCommunities) IsReserved(communityID int64) bool {
	return communityID == r.DefaultID || communityID == r.BlackhouseID
}

// BatchResult 批量操作单个对象的结果
type BatchResult struct {
	UserID int64  `json:"user_id"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Msg    string `json:"msg,omitempty"`
}
