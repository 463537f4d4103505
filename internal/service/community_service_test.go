package service

import (
	"context"
	"testing"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) communityService() CommunityService {
	return NewCommunityService(e.repos, e.reserved, security.NewPhoneHasher("test-secret"), e.clock, e.settings, e.logger)
}

func TestCommunity_CreateAndDuplicateName(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()

	_, err := svc.CreateCommunity(ctx, regular(1), CreateCommunityRequest{Name: "阳光社区"})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	lat := 31.23
	c, err := svc.CreateCommunity(ctx, superAdmin, CreateCommunityRequest{Name: " 阳光社区 ", Latitude: &lat})
	require.NoError(t, err)
	assert.Equal(t, "阳光社区", c.Name)

	_, err = svc.CreateCommunity(ctx, superAdmin, CreateCommunityRequest{Name: "阳光社区"})
	assert.Equal(t, apperr.CodeDuplicateName, apperr.CodeOf(err))

	bad := 200.0
	_, err = svc.CreateCommunity(ctx, superAdmin, CreateCommunityRequest{Name: "北京", Longitude: &bad})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	audit, err := e.repos.Audit.ListAudit(ctx, superAdmin.UserID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditCommunityCreate, audit[0].Action)
}

func TestCommunity_ReservedAreStable(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()

	for i, id := range []int64{e.reserved.DefaultID, e.reserved.BlackhouseID} {
		_, err := svc.ToggleStatus(ctx, superAdmin, id, false)
		assert.Equal(t, apperr.CodeReservedCommunity, apperr.CodeOf(err))

		err = svc.DeleteCommunity(ctx, superAdmin, id)
		assert.Equal(t, apperr.CodeReservedCommunity, apperr.CodeOf(err))

		// 改名不影响保留标记
		name := []string{"新默认", "新小黑屋"}[i]
		_, err = svc.UpdateCommunity(ctx, superAdmin, UpdateCommunityRequest{CommunityID: id, Name: &name})
		require.NoError(t, err)

		_, err = svc.ToggleStatus(ctx, superAdmin, id, true)
		require.NoError(t, err)

		c, err := e.repos.Communities.GetCommunity(ctx, id)
		require.NoError(t, err)
		assert.True(t, c.Reserved())
		assert.Equal(t, domain.CommunityEnabled, c.Status)
	}

	got, err := e.repos.Communities.EnsureReserved(ctx, "默认社区", "小黑屋")
	require.NoError(t, err)
	assert.Equal(t, e.reserved, got)
	assert.Equal(t, e.reserved, svc.Reserved())
}

func TestCommunity_DeleteMovesMembersToDefault(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	u := e.newUser(t, c, "U")

	err := svc.DeleteCommunity(ctx, regular(u), c)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	require.NoError(t, svc.DeleteCommunity(ctx, superAdmin, c))
	user, err := e.repos.Users.GetUser(ctx, u)
	require.NoError(t, err)
	assert.True(t, user.InCommunity(e.reserved.DefaultID))

	_, err = svc.GetCommunity(ctx, c)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCommunity_AddUsersBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	a := e.newUser(t, e.reserved.DefaultID, "a")
	b := e.newUser(t, c, "b")

	results, err := svc.AddUsers(ctx, superAdmin, c, []int64{a, b, a, 4040})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, domain.BatchResult{UserID: a, OK: true}, results[0])
	assert.False(t, results[1].OK)
	assert.Equal(t, apperr.CodeAlreadyMember, results[1].Code)
	assert.False(t, results[2].OK)
	assert.Equal(t, apperr.CodeNoSuchUser, results[2].Code)

	user, err := e.repos.Users.GetUser(ctx, a)
	require.NoError(t, err)
	assert.True(t, user.InCommunity(c))

	// 普通用户不能加人
	_, err = svc.AddUsers(ctx, regular(a), c, []int64{b})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestCommunity_AddBatchRejectsMergedUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	a := e.newUser(t, c, "a")
	primary := e.newUser(t, e.reserved.DefaultID, "primary")
	secondary := e.newUser(t, e.reserved.DefaultID, "secondary")
	require.NoError(t, e.mem.MergeUsers(ctx, primary, secondary, e.clock.Now(), nil))

	results, err := svc.AddUsers(ctx, superAdmin, c, []int64{secondary, primary})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, apperr.CodeNoSuchUser, results[0].Code)
	assert.True(t, results[1].OK)

	results, err = svc.AddStaff(ctx, superAdmin, c, []int64{secondary, a}, domain.StaffMember)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, apperr.CodeNoSuchUser, results[0].Code)
	assert.True(t, results[1].OK)
}

func TestCommunity_BatchCap(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	e.settings.BatchCap = 2
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")

	_, err := svc.AddUsers(ctx, superAdmin, c, []int64{1, 2, 3})
	assert.Equal(t, apperr.CodeCapExceeded, apperr.CodeOf(err))

	_, err = svc.AddStaff(ctx, superAdmin, c, []int64{1, 2, 3}, domain.StaffMember)
	assert.Equal(t, apperr.CodeCapExceeded, apperr.CodeOf(err))

	_, err = svc.AddUsers(ctx, superAdmin, c, nil)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestCommunity_AddUsersStopsOnCancelledContext(t *testing.T) {
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	a := e.newUser(t, e.reserved.DefaultID, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := svc.AddUsers(ctx, superAdmin, c, []int64{a})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestCommunity_RemoveUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	u := e.newUser(t, c, "U")

	dto, err := svc.RemoveUser(ctx, superAdmin, c, u)
	require.NoError(t, err)
	require.NotNil(t, dto.CommunityID)
	assert.Equal(t, e.reserved.DefaultID, *dto.CommunityID)

	// 已不在该社区
	_, err = svc.RemoveUser(ctx, superAdmin, c, u)
	assert.Equal(t, apperr.CodeNotMember, apperr.CodeOf(err))

	// 从默认社区移除 → 小黑屋
	dto, err = svc.RemoveUser(ctx, superAdmin, e.reserved.DefaultID, u)
	require.NoError(t, err)
	assert.Equal(t, e.reserved.BlackhouseID, *dto.CommunityID)

	audit, err := e.repos.Audit.ListAudit(ctx, u)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, domain.AuditCommunityRemove, audit[0].Action)
}

func TestCommunity_SingleManager(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	a := e.newUser(t, c, "a")
	b := e.newUser(t, c, "b")
	outsider := e.newUser(t, e.reserved.DefaultID, "outsider")

	results, err := svc.AddStaff(ctx, superAdmin, c, []int64{a, b, outsider}, domain.StaffManager)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, apperr.CodeManagerExists, results[1].Code)
	assert.Equal(t, apperr.CodeNotMember, results[2].Code)

	// manager 可以添加 staff，staff 不能
	results, err = svc.AddStaff(ctx, regular(a), c, []int64{b}, domain.StaffMember)
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	_, err = svc.AddStaff(ctx, regular(b), c, []int64{a}, domain.StaffMember)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	staff, err := svc.ListStaff(ctx, superAdmin, c)
	require.NoError(t, err)
	managers := 0
	for _, s := range staff {
		if s.Role == string(domain.StaffManager) {
			managers++
		}
	}
	assert.Equal(t, 1, managers)
	assert.Len(t, staff, 2)

	user, err := e.repos.Users.GetUser(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCommunityStaff, user.Role)

	require.NoError(t, svc.RemoveStaff(ctx, regular(a), c, b))
	user, err = e.repos.Users.GetUser(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleRegular, user.Role)

	_, err = svc.AddStaff(ctx, superAdmin, c, []int64{b}, domain.StaffRole("owner"))
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestCommunity_SearchUsers(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	svc := e.communityService()
	c := e.newCommunity(t, "阳光社区")
	staff := e.newUser(t, c, "staff")
	require.NoError(t, e.repos.Staff.AddStaff(ctx, c, staff, domain.StaffMember, e.clock.Now(), nil))

	hash := security.NewPhoneHasher("test-secret").Hash("+8613900139000")
	masked := security.MaskPhone("+8613900139000")
	_, err := e.repos.Users.CreateUser(ctx, &domain.User{Nickname: "张三", PhoneHash: &hash, PhoneMasked: &masked, CommunityID: &c})
	require.NoError(t, err)
	e.newUser(t, e.reserved.DefaultID, "李四")

	_, err = svc.SearchUsers(ctx, regular(staff), SearchUsersRequest{Keyword: "张"})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	resp, err := svc.SearchUsers(ctx, regular(staff), SearchUsersRequest{Phone: "139-0013-9000", CommunityID: &c})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "张三", resp.Items[0].Nickname)
	assert.Equal(t, "139****9000", resp.Items[0].Phone)

	resp, err = svc.SearchUsers(ctx, superAdmin, SearchUsersRequest{Keyword: "李"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)

	_, err = svc.SearchUsers(ctx, superAdmin, SearchUsersRequest{Phone: "12345"})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	list, err := svc.ListUsers(ctx, regular(staff), ListCommunityUsersRequest{CommunityID: c})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
}
