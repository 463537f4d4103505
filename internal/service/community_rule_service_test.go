package service

import (
	"context"
	"testing"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommunityRule_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	c := e.newCommunity(t, "阳光社区")
	manager := e.newUser(t, c, "manager")
	member := e.newUser(t, c, "member")
	require.NoError(t, e.repos.Staff.AddStaff(ctx, c, manager, domain.StaffManager, e.clock.Now(), nil))
	svc := NewCommunityRuleService(e.repos, e.clock, e.logger)
	op := regular(manager)

	_, err := svc.CreateRule(ctx, regular(member), CreateCommunityRuleRequest{CommunityID: c, Name: "早操", Schedule: daily(schedule.SlotMorning)})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	view, err := svc.CreateRule(ctx, op, CreateCommunityRuleRequest{CommunityID: c, Name: "早操", Schedule: daily(schedule.SlotMorning)})
	require.NoError(t, err)
	assert.Equal(t, "draft", view.Status)
	assert.Equal(t, domain.SourceCommunity, view.Source)
	assert.False(t, view.Editable)

	// draft 规则不出现在成员视图和计划中
	rules, err := svc.ListRules(ctx, regular(member), c, true)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Empty(t, e.plan(t, member, tuesday))

	name := "晨练"
	updated, err := svc.UpdateRule(ctx, op, UpdateCommunityRuleRequest{RuleID: view.RuleID, Fields: domain.RuleFields{Name: &name}})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	enabled, err := svc.EnableRule(ctx, op, view.RuleID)
	require.NoError(t, err)
	assert.Equal(t, "enabled", enabled.Status)
	mp, err := e.repos.CommunityRules.GetMapping(ctx, member, view.RuleID)
	require.NoError(t, err)
	assert.True(t, mp.IsActive)

	_, err = svc.UpdateRule(ctx, op, UpdateCommunityRuleRequest{RuleID: view.RuleID, Fields: domain.RuleFields{Name: &name}})
	assert.Equal(t, apperr.CodeRuleEnabled, apperr.CodeOf(err))
	err = svc.DeleteRule(ctx, op, view.RuleID)
	assert.Equal(t, apperr.CodeRuleEnabled, apperr.CodeOf(err))

	items := e.plan(t, member, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, view.RuleID, items[0].RuleID)

	disabled, err := svc.DisableRule(ctx, op, view.RuleID)
	require.NoError(t, err)
	assert.Equal(t, "disabled", disabled.Status)
	assert.Empty(t, e.plan(t, member, tuesday))

	// 停用后映射保留
	mp, err = e.repos.CommunityRules.GetMapping(ctx, member, view.RuleID)
	require.NoError(t, err)
	assert.True(t, mp.IsActive)

	rules, err = svc.ListRules(ctx, op, c, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "disabled", rules[0].Status)

	require.NoError(t, svc.DeleteRule(ctx, op, view.RuleID))
	_, err = svc.EnableRule(ctx, op, view.RuleID)
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))

	audit, err := e.repos.Audit.ListAudit(ctx, manager)
	require.NoError(t, err)
	actions := make([]string, 0, len(audit))
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []string{
		domain.AuditCommunityRuleCreate,
		domain.AuditCommunityRuleUpdate,
		domain.AuditCommunityRuleEnable,
		domain.AuditCommunityRuleDisable,
		domain.AuditCommunityRuleDelete,
	}, actions)
}

func TestCommunityRule_ListRulesAccess(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	c := e.newCommunity(t, "阳光社区")
	member := e.newUser(t, c, "member")
	outsider := e.newUser(t, e.reserved.DefaultID, "outsider")
	e.enabledCommunityRule(t, c, daily(schedule.SlotMorning))
	svc := NewCommunityRuleService(e.repos, e.clock, e.logger)

	rules, err := svc.ListRules(ctx, regular(member), c, false)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = svc.ListRules(ctx, regular(outsider), c, false)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	rules, err = svc.ListRules(ctx, superAdmin, c, true)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestCommunityRule_SetMappingActive(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	c := e.newCommunity(t, "阳光社区")
	staff := e.newUser(t, c, "staff")
	member := e.newUser(t, c, "member")
	outsider := e.newUser(t, e.reserved.DefaultID, "outsider")
	require.NoError(t, e.repos.Staff.AddStaff(ctx, c, staff, domain.StaffMember, e.clock.Now(), nil))
	cr := e.enabledCommunityRule(t, c, daily(schedule.SlotMorning))
	svc := NewCommunityRuleService(e.repos, e.clock, e.logger)

	err := svc.SetMappingActive(ctx, regular(member), SetMappingRequest{RuleID: cr, UserID: member, Active: false})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	err = svc.SetMappingActive(ctx, regular(staff), SetMappingRequest{RuleID: cr, UserID: outsider, Active: false})
	assert.Equal(t, apperr.CodeNotMember, apperr.CodeOf(err))

	require.NoError(t, svc.SetMappingActive(ctx, regular(staff), SetMappingRequest{RuleID: cr, UserID: member, Active: false}))
	assert.Empty(t, e.plan(t, member, tuesday))

	views, err := e.planService().AllUserRules(ctx, member)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].IsActive)
	assert.False(t, *views[0].IsActive)

	require.NoError(t, svc.SetMappingActive(ctx, regular(staff), SetMappingRequest{RuleID: cr, UserID: member, Active: true}))
	assert.Len(t, e.plan(t, member, tuesday), 1)
}

func TestJobs_ReconcileAndCleanup(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	c := e.newCommunity(t, "阳光社区")
	cr := e.enabledCommunityRule(t, c, daily(schedule.SlotMorning))
	late := e.newUser(t, e.reserved.DefaultID, "late")
	require.NoError(t, e.repos.Communities.MoveUser(ctx, late, nil, c, e.clock.Now(), nil))

	jobs := NewJobs(e.repos, e.clock, e.logger)
	require.NoError(t, jobs.Register("0 */10 * * * *", "0 0 3 * * *"))
	assert.Error(t, NewJobs(e.repos, e.clock, e.logger).Register("not a spec", ""))

	require.NoError(t, jobs.ReconcileMappings(ctx))
	mp, err := e.repos.CommunityRules.GetMapping(ctx, late, cr)
	require.NoError(t, err)
	assert.True(t, mp.IsActive)

	u := e.newUser(t, e.reserved.DefaultID, "U")
	r := e.createRule(t, u, "吃药", tuesday0830())
	share := NewShareService(e.repos, e.events, e.clock, e.settings, e.logger)
	link, err := share.CreateShareLink(ctx, regular(u), CreateShareLinkRequest{RuleID: r, TTL: e.settings.ShareDefaultTTL})
	require.NoError(t, err)

	e.clock.Advance(e.settings.ShareDefaultTTL)
	require.NoError(t, jobs.CleanupExpired(ctx))
	_, err = share.ResolveShareLink(ctx, ResolveShareLinkRequest{Token: link.Token})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
