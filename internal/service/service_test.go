package service

import (
	"context"
	"testing"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/auth"
	"checkin-core/internal/authz"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/schedule"
	"checkin-core/internal/security"
	"checkin-core/internal/sms"
	"checkin-core/internal/store"
	"checkin-core/internal/wechat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var shanghai = DefaultSettings().Location

// 2025-01-07 是周二
var tuesday = schedule.NewDate(2025, time.January, 7)

func tuesdayAt(hour, min int) time.Time {
	return time.Date(2025, time.January, 7, hour, min, 0, 0, shanghai)
}

type testEnv struct {
	mem      *repository.MemoryStore
	repos    *repository.Repositories
	reserved domain.ReservedCommunities
	clock    *FixedClock
	events   *store.RecordingPublisher
	settings Settings
	logger   *zap.Logger
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	clock := &FixedClock{T: now}
	mem := repository.NewMemoryStore().WithClock(func() time.Time { return clock.Now() })
	repos := mem.Repositories()
	reserved, err := repos.Communities.EnsureReserved(context.Background(), "默认社区", "小黑屋")
	require.NoError(t, err)
	return &testEnv{
		mem:      mem,
		repos:    repos,
		reserved: reserved,
		clock:    clock,
		events:   &store.RecordingPublisher{},
		settings: DefaultSettings(),
		logger:   zap.NewNop(),
	}
}

func (e *testEnv) newUser(t *testing.T, communityID int64, nickname string) int64 {
	t.Helper()
	now := e.clock.Now()
	id, err := e.repos.Users.CreateUser(context.Background(), &domain.User{
		Nickname:          nickname,
		CommunityID:       &communityID,
		CommunityJoinedAt: &now,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) newCommunity(t *testing.T, name string) int64 {
	t.Helper()
	id, err := e.repos.Communities.CreateCommunity(context.Background(), &domain.Community{
		Name:   name,
		Status: domain.CommunityEnabled,
	}, nil)
	require.NoError(t, err)
	return id
}

// tuesday0830 每周二 08:30
func tuesday0830() schedule.Schedule {
	tod := schedule.TimeOfDay{Hour: 8, Minute: 30}
	return schedule.Schedule{
		FrequencyType: schedule.FrequencyWeekly,
		SlotType:      schedule.SlotCustom,
		CustomTime:    &tod,
		WeekDaysMask:  0b0000010,
	}
}

func daily(slot schedule.SlotType) schedule.Schedule {
	return schedule.Schedule{FrequencyType: schedule.FrequencyDaily, SlotType: slot, WeekDaysMask: schedule.MaskAll}
}

func (e *testEnv) createRule(t *testing.T, userID int64, name string, s schedule.Schedule) int64 {
	t.Helper()
	view, err := NewRuleService(e.repos.Rules, e.clock, e.logger).CreateRule(context.Background(), CreateRuleRequest{
		UserID:   userID,
		Name:     name,
		Schedule: s,
	})
	require.NoError(t, err)
	return view.RuleID
}

// enabledCommunityRule 创建并启用一条社区规则
func (e *testEnv) enabledCommunityRule(t *testing.T, communityID int64, s schedule.Schedule) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := e.repos.CommunityRules.CreateCommunityRule(ctx, &domain.CommunityRule{
		CommunityID: communityID,
		Name:        "社区早操",
		Schedule:    s,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.repos.CommunityRules.EnableCommunityRule(ctx, id, 1, e.clock.Now(), nil))
	return id
}

func (e *testEnv) planService() PlanService {
	return NewPlanService(e.repos, e.clock, e.settings, e.logger)
}

func (e *testEnv) checkinService() CheckinService {
	return NewCheckinService(e.repos, e.events, e.clock, e.settings, e.logger)
}

func (e *testEnv) plan(t *testing.T, userID int64, d schedule.Date) []PlanItem {
	t.Helper()
	resp, err := e.planService().TodayPlan(context.Background(), TodayPlanRequest{UserID: userID, Date: &d})
	require.NoError(t, err)
	assert.Equal(t, d.String(), resp.Date)
	return resp.Items
}

func regular(id int64) authz.Principal { return authz.Principal{UserID: id, Role: domain.RoleRegular} }

var superAdmin = authz.Principal{UserID: 999, Role: domain.RoleSuperAdmin}

func TestScenario_WeeklyRuleOnMatchingDay(t *testing.T) {
	e := newTestEnv(t, tuesdayAt(8, 0))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	r := e.createRule(t, u, "吃药", tuesday0830())

	items := e.plan(t, u, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, r, items[0].RuleID)
	assert.Equal(t, domain.SourcePersonal, items[0].Source)
	assert.True(t, items[0].PlannedTime.Equal(tuesdayAt(8, 30)))
	assert.Equal(t, PlanUnchecked, items[0].Status)
	assert.Nil(t, items[0].RecordID)
	assert.Nil(t, items[0].CheckinTime)

	assert.Empty(t, e.plan(t, u, tuesday.AddDays(1)))
}

func TestScenario_DoubleCheckinRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 45))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	r := e.createRule(t, u, "吃药", tuesday0830())
	svc := e.checkinService()

	rec, err := svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	require.NoError(t, err)
	assert.Equal(t, "checked", rec.Status)
	assert.Equal(t, "2025-01-07", rec.PlannedDate)
	assert.True(t, rec.PlannedTime.Equal(tuesdayAt(8, 30)))

	e.clock.Advance(time.Minute)
	_, err = svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeAlreadyChecked, apperr.CodeOf(err))

	items := e.plan(t, u, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, PlanChecked, items[0].Status)
	require.NotNil(t, items[0].RecordID)
	assert.Equal(t, rec.RecordID, *items[0].RecordID)
	require.NotNil(t, items[0].CheckinTime)
	assert.True(t, items[0].CheckinTime.Equal(tuesdayAt(8, 45)))

	count, err := e.repos.Records.CountRecords(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScenario_CancelWithinWindowThenRecheck(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 45))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	r := e.createRule(t, u, "吃药", tuesday0830())
	svc := e.checkinService()

	x, err := svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	require.NoError(t, err)

	e.clock.T = tuesdayAt(9, 0)
	cancelled, err := svc.Cancel(ctx, CancelRequest{UserID: u, RecordID: x.RecordID})
	require.NoError(t, err)
	assert.Equal(t, "revoked", cancelled.Status)
	assert.Nil(t, cancelled.CheckinTime)

	items := e.plan(t, u, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, PlanUnchecked, items[0].Status)
	require.NotNil(t, items[0].RecordID)
	assert.Equal(t, x.RecordID, *items[0].RecordID)

	e.clock.T = tuesdayAt(9, 5)
	y, err := svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	require.NoError(t, err)
	assert.NotEqual(t, x.RecordID, y.RecordID)
	assert.Equal(t, "checked", y.Status)

	e.clock.T = tuesdayAt(9, 40)
	_, err = svc.Cancel(ctx, CancelRequest{UserID: u, RecordID: y.RecordID})
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeTooLate, apperr.CodeOf(err))

	types := make([]string, 0)
	for _, ev := range e.events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{store.EventCheckinPerformed, store.EventCheckinCancelled, store.EventCheckinPerformed}, types)
}

func TestScenario_CommunityRuleSelfHeal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(7, 0))
	c := e.newCommunity(t, "阳光社区")
	cr := e.enabledCommunityRule(t, c, daily(schedule.SlotMorning))

	// 规则启用之后才加入的成员没有映射行
	v := e.newUser(t, e.reserved.DefaultID, "V")
	require.NoError(t, e.repos.Communities.MoveUser(ctx, v, nil, c, e.clock.Now(), nil))
	_, err := e.repos.CommunityRules.GetMapping(ctx, v, cr)
	require.ErrorIs(t, err, repository.ErrNotFound)

	items := e.plan(t, v, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, cr, items[0].RuleID)
	assert.Equal(t, domain.SourceCommunity, items[0].Source)
	require.NotNil(t, items[0].CommunityID)
	assert.Equal(t, c, *items[0].CommunityID)
	assert.True(t, items[0].PlannedTime.Equal(tuesdayAt(9, 0)))

	mp, err := e.repos.CommunityRules.GetMapping(ctx, v, cr)
	require.NoError(t, err)
	assert.True(t, mp.IsActive)
}

func TestScenario_ShareLinkAcceptance(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	s := e.newUser(t, e.reserved.DefaultID, "S")
	r := e.createRule(t, u, "吃药", tuesday0830())
	svc := NewShareService(e.repos, e.events, e.clock, e.settings, e.logger)

	link, err := svc.CreateShareLink(ctx, regular(u), CreateShareLinkRequest{RuleID: r, TTL: 7 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Len(t, link.Token, 43)
	assert.True(t, link.ExpiresAt.Equal(tuesdayAt(8, 0).Add(7*24*time.Hour)))

	caller := regular(s)
	for i := 0; i < 2; i++ {
		view, err := svc.ResolveShareLink(ctx, ResolveShareLinkRequest{Token: link.Token, Caller: &caller, UserAgent: "test"})
		require.NoError(t, err)
		assert.Equal(t, u, view.SoloUserID)
		assert.Equal(t, r, view.Rule.RuleID)
		assert.False(t, view.Rule.Editable)
		require.NotNil(t, view.Today)
		assert.Equal(t, PlanUnchecked, view.Today.Status)
		require.NotNil(t, view.RelationID)
	}

	rels, err := e.repos.Supervision.ListBySolo(ctx, u)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, s, rels[0].SupervisorUserID)
	assert.Equal(t, domain.SupervisionAccepted, rels[0].Status)
	require.NotNil(t, rels[0].RuleID)
	assert.Equal(t, r, *rels[0].RuleID)

	logs, err := e.repos.ShareLinks.ListAccessLogs(ctx, link.Token)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestScenario_MergePreservesRecords(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, time.Date(2025, time.March, 1, 10, 0, 0, 0, shanghai))
	hasher := security.NewPhoneHasher("test-secret")
	phone := "+8613800138000"
	hash := hasher.Hash(phone)
	openid := "wx-openid-b"
	cid := e.reserved.DefaultID

	a, err := e.repos.Users.CreateUser(ctx, &domain.User{
		Nickname: "A", PhoneHash: &hash, CommunityID: &cid,
		CreatedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, shanghai),
	})
	require.NoError(t, err)
	b, err := e.repos.Users.CreateUser(ctx, &domain.User{
		Nickname: "B", WechatExternalID: &openid, CommunityID: &cid,
		CreatedAt: time.Date(2025, time.February, 1, 0, 0, 0, 0, shanghai),
	})
	require.NoError(t, err)

	addRecords := func(userID int64, n int) {
		rule := e.createRule(t, userID, "散步", daily(schedule.SlotEvening))
		for i := 0; i < n; i++ {
			d := schedule.NewDate(2025, time.February, 1).AddDays(i)
			_, err := e.repos.Records.Checkin(ctx, repository.CheckinInput{
				UserID:      userID,
				Ref:         domain.RuleRef{Kind: domain.SourcePersonal, ID: rule},
				PlannedTime: d.At(schedule.TimeOfDay{Hour: 20}, shanghai),
				PlannedDate: d,
				Now:         d.At(schedule.TimeOfDay{Hour: 20, Minute: 5}, shanghai),
			})
			require.NoError(t, err)
		}
	}
	addRecords(a, 3)
	addRecords(b, 5)

	mock := sms.NewMockSender(e.logger)
	svc := NewAuthService(e.repos, AuthDeps{
		Merger:   NewMergeService(e.repos, e.events, e.clock, e.logger),
		Sender:   mock,
		Wechat:   wechat.StaticExchanger{},
		Issuer:   auth.NewIssuer("jwt-secret", time.Hour, 24*time.Hour).WithClock(e.clock.Now),
		Hasher:   hasher,
		Limiter:  store.NewRateLimiter(store.NewMemoryKV().WithClock(e.clock.Now), "test"),
		Reserved: e.reserved,
	}, e.clock, e.logger)

	// B（微信账号）绑定 A 的手机号 → 合并到较早创建的 A
	require.NoError(t, svc.SendCode(ctx, SendCodeRequest{Phone: "13800138000", Purpose: domain.PurposeBind}))
	code, ok := mock.LastCode(phone, string(domain.PurposeBind))
	require.True(t, ok)

	resp, err := svc.BindPhone(ctx, regular(b), BindPhoneRequest{Phone: "13800138000", Code: code})
	require.NoError(t, err)
	require.NotNil(t, resp.Merged)
	assert.Equal(t, a, resp.Merged.PrimaryID)
	assert.Equal(t, b, resp.Merged.SecondaryID)
	assert.Equal(t, a, resp.User.UserID)

	n, err := e.repos.Records.CountRecords(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	n, err = e.repos.Records.CountRecords(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, n)

	secondary, err := e.repos.Users.GetUser(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.UserDisabled, secondary.Status)
	assert.Nil(t, secondary.PhoneHash)
	assert.Nil(t, secondary.WechatExternalID)

	primary, err := e.repos.Users.GetUserByWechatID(ctx, openid)
	require.NoError(t, err)
	assert.Equal(t, a, primary.UserID)

	claims, err := auth.NewIssuer("jwt-secret", time.Hour, 24*time.Hour).WithClock(e.clock.Now).Parse(resp.Tokens.AccessToken, auth.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, a, claims.UserID)
}
