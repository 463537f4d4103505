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

func TestRuleService_CRUD(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 0))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	other := e.newUser(t, e.reserved.DefaultID, "other")
	svc := NewRuleService(e.repos.Rules, e.clock, e.logger)

	_, err := svc.CreateRule(ctx, CreateRuleRequest{UserID: u, Name: "  ", Schedule: daily(schedule.SlotMorning)})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	view, err := svc.CreateRule(ctx, CreateRuleRequest{UserID: u, Name: "吃药", Icon: "pill", Schedule: tuesday0830()})
	require.NoError(t, err)
	assert.Equal(t, "enabled", view.Status)
	assert.True(t, view.Editable)
	require.NotNil(t, view.CustomTime)
	assert.Equal(t, "08:30", *view.CustomTime)

	_, err = svc.GetRule(ctx, other, view.RuleID)
	assert.Equal(t, apperr.CodeNotOwner, apperr.CodeOf(err))

	name := "早上吃药"
	morning := daily(schedule.SlotMorning)
	updated, err := svc.UpdateRule(ctx, UpdateRuleRequest{UserID: u, RuleID: view.RuleID, Fields: domain.RuleFields{Name: &name, Schedule: &morning}})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, int(schedule.SlotMorning), updated.SlotType)
	assert.Equal(t, "pill", updated.Icon)

	bad := domain.RuleDeleted
	_, err = svc.UpdateRule(ctx, UpdateRuleRequest{UserID: u, RuleID: view.RuleID, Fields: domain.RuleFields{Status: &bad}})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	require.NoError(t, svc.DeleteRule(ctx, u, view.RuleID))
	_, err = svc.GetRule(ctx, u, view.RuleID)
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))

	list, err := svc.ListRules(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScheduleDTO_Parse(t *testing.T) {
	tm, start, end := "07:45", "2025-01-01", "2025-01-31"
	s, err := ScheduleDTO{
		FrequencyType:   int(schedule.FrequencyCustom),
		SlotType:        int(schedule.SlotCustom),
		CustomTime:      &tm,
		CustomStartDate: &start,
		CustomEndDate:   &end,
		WeekDaysMask:    schedule.MaskAll,
	}.Schedule()
	require.NoError(t, err)
	assert.Equal(t, &end, ScheduleDTOOf(s).CustomEndDate)

	badTime := "25:00"
	_, err = ScheduleDTO{SlotType: int(schedule.SlotCustom), CustomTime: &badTime, WeekDaysMask: schedule.MaskAll}.Schedule()
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	// custom 时段缺少 custom_time
	_, err = ScheduleDTO{SlotType: int(schedule.SlotCustom), WeekDaysMask: schedule.MaskAll}.Schedule()
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestPerform_PersonalRuleGate(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 45))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	other := e.newUser(t, e.reserved.DefaultID, "other")
	r := e.createRule(t, u, "吃药", tuesday0830())
	svc := e.checkinService()

	_, err := svc.Perform(ctx, PerformRequest{UserID: other, RuleID: r})
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))

	_, err = svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r, Source: "team"})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	off := domain.RuleDisabled
	_, err = NewRuleService(e.repos.Rules, e.clock, e.logger).UpdateRule(ctx, UpdateRuleRequest{UserID: u, RuleID: r, Fields: domain.RuleFields{Status: &off}})
	require.NoError(t, err)
	_, err = svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))
}

func TestPerform_OffDayUsesNominalSlot(t *testing.T) {
	ctx := context.Background()
	// 周三打卡一条只在周二触发的规则
	e := newTestEnv(t, tuesdayAt(8, 45).AddDate(0, 0, 1))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	r := e.createRule(t, u, "吃药", tuesday0830())

	rec, err := e.checkinService().Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	require.NoError(t, err)
	assert.Equal(t, "2025-01-08", rec.PlannedDate)
	assert.True(t, rec.PlannedTime.Equal(tuesdayAt(8, 30).AddDate(0, 0, 1)))
}

func TestPerform_CommunityRuleGate(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(9, 5))
	c := e.newCommunity(t, "阳光社区")
	member := e.newUser(t, c, "member")
	outsider := e.newUser(t, e.reserved.DefaultID, "outsider")
	cr := e.enabledCommunityRule(t, c, daily(schedule.SlotMorning))
	svc := e.checkinService()

	_, err := svc.Perform(ctx, PerformRequest{UserID: outsider, RuleID: cr, Source: domain.SourceCommunity})
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))

	require.NoError(t, e.repos.CommunityRules.SetMappingActive(ctx, member, cr, false, nil))
	_, err = svc.Perform(ctx, PerformRequest{UserID: member, RuleID: cr, Source: domain.SourceCommunity})
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))

	require.NoError(t, e.repos.CommunityRules.SetMappingActive(ctx, member, cr, true, nil))
	rec, err := svc.Perform(ctx, PerformRequest{UserID: member, RuleID: cr, Source: domain.SourceCommunity})
	require.NoError(t, err)
	assert.Nil(t, rec.RuleID)
	require.NotNil(t, rec.CommunityRuleID)
	assert.Equal(t, cr, *rec.CommunityRuleID)

	require.NoError(t, e.repos.CommunityRules.DisableCommunityRule(ctx, cr, 1, e.clock.Now(), nil))
	_, err = svc.Perform(ctx, PerformRequest{UserID: member, RuleID: cr, Source: domain.SourceCommunity})
	assert.Equal(t, apperr.CodeNoSuchRule, apperr.CodeOf(err))
}

func TestCancel_Errors(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, tuesdayAt(8, 45))
	u := e.newUser(t, e.reserved.DefaultID, "U")
	other := e.newUser(t, e.reserved.DefaultID, "other")
	r := e.createRule(t, u, "吃药", tuesday0830())
	svc := e.checkinService()

	_, err := svc.Cancel(ctx, CancelRequest{UserID: u, RecordID: 404})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	rec, err := svc.Perform(ctx, PerformRequest{UserID: u, RuleID: r})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, CancelRequest{UserID: other, RecordID: rec.RecordID})
	assert.Equal(t, apperr.CodeNotOwner, apperr.CodeOf(err))

	_, err = svc.Cancel(ctx, CancelRequest{UserID: u, RecordID: rec.RecordID})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, CancelRequest{UserID: u, RecordID: rec.RecordID})
	assert.Equal(t, apperr.CodeNotChecked, apperr.CodeOf(err))
}
