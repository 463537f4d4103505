// Package authz 权限判定：调用方持有已认证的 Principal，按社区范围（Scope）判断操作权限。
package authz

import (
	"context"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
)

// Principal 已认证的调用者
type Principal struct {
	UserID int64
	Role   domain.Role
}

func (p Principal) IsSuperAdmin() bool { return p.Role == domain.RoleSuperAdmin }

// Scope 调用者在某个社区中的身份；StaffRole 为空表示不是该社区工作人员
type Scope struct {
	CommunityID int64
	StaffRole   domain.StaffRole
}

func (s Scope) IsManager() bool { return s.StaffRole == domain.StaffManager }

// IsStaff manager 也算 staff
func (s Scope) IsStaff() bool { return s.StaffRole == domain.StaffManager || s.StaffRole == domain.StaffMember }

// StaffLookup 查询用户在社区中的工作人员角色
type StaffLookup interface {
	GetStaffRole(ctx context.Context, communityID, userID int64) (domain.StaffRole, bool, error)
}

// ResolveScope 解析调用者在社区 C 的范围；super_admin 不查库
func ResolveScope(ctx context.Context, lookup StaffLookup, p Principal, communityID int64) (Scope, error) {
	scope := Scope{CommunityID: communityID}
	if p.IsSuperAdmin() || lookup == nil {
		return scope, nil
	}
	role, ok, err := lookup.GetStaffRole(ctx, communityID, p.UserID)
	if err != nil {
		return scope, err
	}
	if ok {
		scope.StaffRole = role
	}
	return scope, nil
}

func CanCreateCommunity(p Principal) bool { return p.IsSuperAdmin() }

func CanUpdateCommunity(p Principal, s Scope) bool { return p.IsSuperAdmin() || s.IsManager() }

// CanManageStaff staff 不能添加 staff
func CanManageStaff(p Principal, s Scope) bool { return p.IsSuperAdmin() || s.IsManager() }

func CanManageUsers(p Principal, s Scope) bool { return p.IsSuperAdmin() || s.IsStaff() }

func CanManageCommunityRules(p Principal, s Scope) bool { return p.IsSuperAdmin() || s.IsManager() }

func CanSearchAllUsers(p Principal) bool { return p.IsSuperAdmin() }

func CanSearchInCommunity(p Principal, s Scope) bool { return p.IsSuperAdmin() || s.IsStaff() }

// CanViewSolo 本人、已接受的监护人、或该用户所在社区的工作人员
func CanViewSolo(p Principal, soloUserID int64, acceptedSupervisor bool, soloCommunity Scope) bool {
	if p.UserID == soloUserID || acceptedSupervisor {
		return true
	}
	return p.IsSuperAdmin() || soloCommunity.IsStaff()
}

// Require ok 为 false 时返回 PERMISSION_DENIED
func Require(ok bool, what string) error {
	if ok {
		return nil
	}
	return apperr.PermissionDenied("not allowed to %s", what)
}
