package service

import (
	"testing"
	"time"

	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personalRule(id int64, s schedule.Schedule) PlanRule {
	return PlanRule{ID: id, Source: domain.PersonalSource(), Name: "r", Schedule: s}
}

func record(id int64, ref domain.RuleRef, d schedule.Date, status domain.RecordStatus, checkin *time.Time) domain.CheckinRecord {
	r := domain.CheckinRecord{
		RecordID:    id,
		SoloUserID:  1,
		PlannedDate: d,
		PlannedTime: d.Midnight(shanghai),
		CheckinTime: checkin,
		Status:      status,
	}
	r.SetRef(ref)
	return r
}

func TestProject_Deterministic(t *testing.T) {
	rules := []PlanRule{
		personalRule(3, daily(schedule.SlotEvening)),
		personalRule(1, daily(schedule.SlotMorning)),
		{ID: 7, Source: domain.CommunitySource(5), Schedule: daily(schedule.SlotMorning)},
		personalRule(2, daily(schedule.SlotMorning)),
	}
	first := Project(tuesday, shanghai, rules, nil)
	second := Project(tuesday, shanghai, rules, nil)
	assert.Equal(t, first, second)

	// 同一时刻：个人规则在前，再按规则 id
	require.Len(t, first, 4)
	got := make([]int64, 0, 4)
	for _, it := range first {
		got = append(got, it.RuleID)
	}
	assert.Equal(t, []int64{1, 2, 7, 3}, got)
	assert.Equal(t, domain.SourceCommunity, first[2].Source)
	require.NotNil(t, first[2].CommunityID)
	assert.Equal(t, int64(5), *first[2].CommunityID)
}

func TestProject_MatchesEvaluator(t *testing.T) {
	start := schedule.NewDate(2025, time.January, 10)
	end := schedule.NewDate(2025, time.January, 20)
	tod := schedule.TimeOfDay{Hour: 7, Minute: 15}
	schedules := []schedule.Schedule{
		daily(schedule.SlotMorning),
		tuesday0830(),
		{FrequencyType: schedule.FrequencyWorkday, SlotType: schedule.SlotAfternoon, WeekDaysMask: schedule.MaskWorkdays},
		{FrequencyType: schedule.FrequencyCustom, SlotType: schedule.SlotCustom, CustomTime: &tod,
			CustomStartDate: &start, CustomEndDate: &end, WeekDaysMask: schedule.MaskAll},
	}

	for i, s := range schedules {
		rule := personalRule(int64(i+1), s)
		for d := schedule.NewDate(2025, time.January, 1); d.Before(schedule.NewDate(2025, time.February, 1)); d = d.AddDays(1) {
			items := Project(d, shanghai, []PlanRule{rule}, nil)
			want, fires := schedule.PlannedInstant(s, d, shanghai)
			if !fires {
				assert.Empty(t, items, "schedule %d on %s", i, d)
				continue
			}
			require.Len(t, items, 1, "schedule %d on %s", i, d)
			assert.True(t, items[0].PlannedTime.Equal(want))
		}
	}
}

func TestProject_RecordStatus(t *testing.T) {
	ref := domain.RuleRef{Kind: domain.SourcePersonal, ID: 1}
	rules := []PlanRule{personalRule(1, daily(schedule.SlotMorning))}
	at := tuesdayAt(9, 5)

	tests := []struct {
		name       string
		records    []domain.CheckinRecord
		wantStatus string
		wantRecord *int64
	}{
		{name: "no records", wantStatus: PlanUnchecked},
		{
			name:       "checked",
			records:    []domain.CheckinRecord{record(10, ref, tuesday, domain.RecordChecked, &at)},
			wantStatus: PlanChecked,
			wantRecord: int64Ptr(10),
		},
		{
			name: "latest revoked",
			records: []domain.CheckinRecord{
				record(10, ref, tuesday, domain.RecordRevoked, nil),
				record(12, ref, tuesday, domain.RecordRevoked, nil),
			},
			wantStatus: PlanUnchecked,
			wantRecord: int64Ptr(12),
		},
		{
			name: "checked wins over revoked",
			records: []domain.CheckinRecord{
				record(10, ref, tuesday, domain.RecordRevoked, nil),
				record(11, ref, tuesday, domain.RecordChecked, &at),
			},
			wantStatus: PlanChecked,
			wantRecord: int64Ptr(11),
		},
		{
			name:       "missed is not exposed",
			records:    []domain.CheckinRecord{record(10, ref, tuesday, domain.RecordMissed, nil)},
			wantStatus: PlanUnchecked,
		},
		{
			name:       "other day ignored",
			records:    []domain.CheckinRecord{record(10, ref, tuesday.AddDays(-1), domain.RecordChecked, &at)},
			wantStatus: PlanUnchecked,
		},
		{
			name:       "other rule ignored",
			records:    []domain.CheckinRecord{record(10, domain.RuleRef{Kind: domain.SourceCommunity, ID: 1}, tuesday, domain.RecordChecked, &at)},
			wantStatus: PlanUnchecked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := Project(tuesday, shanghai, rules, tt.records)
			require.Len(t, items, 1)
			assert.Equal(t, tt.wantStatus, items[0].Status)
			assert.Equal(t, tt.wantRecord, items[0].RecordID)
			if tt.wantStatus == PlanChecked {
				require.NotNil(t, items[0].CheckinTime)
				assert.True(t, items[0].CheckinTime.Equal(at))
			} else {
				assert.Nil(t, items[0].CheckinTime)
			}
		})
	}
}

func TestTodayPlan_SkipsDisabledAndInactive(t *testing.T) {
	e := newTestEnv(t, tuesdayAt(7, 0))
	c := e.newCommunity(t, "阳光社区")
	u := e.newUser(t, c, "U")
	active := e.createRule(t, u, "吃药", daily(schedule.SlotMorning))
	disabled := e.createRule(t, u, "量血压", daily(schedule.SlotMorning))
	off := domain.RuleDisabled
	_, err := NewRuleService(e.repos.Rules, e.clock, e.logger).UpdateRule(t.Context(), UpdateRuleRequest{
		UserID: u, RuleID: disabled, Fields: domain.RuleFields{Status: &off},
	})
	require.NoError(t, err)
	cr := e.enabledCommunityRule(t, c, daily(schedule.SlotEvening))
	require.NoError(t, e.repos.CommunityRules.SetMappingActive(t.Context(), u, cr, false, nil))

	items := e.plan(t, u, tuesday)
	require.Len(t, items, 1)
	assert.Equal(t, active, items[0].RuleID)

	views, err := e.planService().AllUserRules(t.Context(), u)
	require.NoError(t, err)
	assert.Len(t, views, 3)
}
