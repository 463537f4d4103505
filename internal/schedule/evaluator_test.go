package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tod(h, m int) *TimeOfDay { return &TimeOfDay{Hour: h, Minute: m} }

func datePtr(y int, m time.Month, d int) *Date {
	dt := NewDate(y, m, d)
	return &dt
}

func TestDate_Weekday0(t *testing.T) {
	// 2025-01-06 周一
	assert.Equal(t, 0, NewDate(2025, 1, 6).Weekday0())
	assert.Equal(t, 1, NewDate(2025, 1, 7).Weekday0())
	assert.Equal(t, 6, NewDate(2025, 1, 12).Weekday0())
}

func TestFires(t *testing.T) {
	tuesday := NewDate(2025, 1, 7)
	wednesday := NewDate(2025, 1, 8)
	saturday := NewDate(2025, 1, 11)

	tests := []struct {
		name   string
		s      Schedule
		d      Date
		wantOK bool
		want   TimeOfDay
	}{
		{"daily morning", Schedule{FrequencyType: FrequencyDaily, SlotType: SlotMorning}, saturday, true, TimeOfDay{Hour: 9}},
		{"daily afternoon", Schedule{FrequencyType: FrequencyDaily, SlotType: SlotAfternoon}, tuesday, true, TimeOfDay{Hour: 14}},
		{"daily evening", Schedule{FrequencyType: FrequencyDaily, SlotType: SlotEvening}, tuesday, true, TimeOfDay{Hour: 20}},
		{"weekly tuesday hit", Schedule{FrequencyType: FrequencyWeekly, SlotType: SlotCustom, CustomTime: tod(8, 30), WeekDaysMask: 0b0000010}, tuesday, true, TimeOfDay{Hour: 8, Minute: 30}},
		{"weekly tuesday miss", Schedule{FrequencyType: FrequencyWeekly, SlotType: SlotCustom, CustomTime: tod(8, 30), WeekDaysMask: 0b0000010}, wednesday, false, TimeOfDay{}},
		{"weekly 127 equals daily", Schedule{FrequencyType: FrequencyWeekly, SlotType: SlotMorning, WeekDaysMask: MaskAll}, saturday, true, TimeOfDay{Hour: 9}},
		{"workday weekday", Schedule{FrequencyType: FrequencyWorkday, SlotType: SlotMorning}, wednesday, true, TimeOfDay{Hour: 9}},
		{"workday weekend", Schedule{FrequencyType: FrequencyWorkday, SlotType: SlotMorning}, saturday, false, TimeOfDay{}},
		{"custom inside range", Schedule{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: MaskAll, CustomStartDate: datePtr(2025, 1, 1), CustomEndDate: datePtr(2025, 1, 31)}, tuesday, true, TimeOfDay{Hour: 20}},
		{"custom on end date", Schedule{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: MaskAll, CustomStartDate: datePtr(2025, 1, 1), CustomEndDate: datePtr(2025, 1, 7)}, tuesday, true, TimeOfDay{Hour: 20}},
		{"custom after range", Schedule{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: MaskAll, CustomStartDate: datePtr(2025, 1, 1), CustomEndDate: datePtr(2025, 1, 6)}, tuesday, false, TimeOfDay{}},
		{"custom weekday bit unset", Schedule{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: MaskWorkdays, CustomStartDate: datePtr(2025, 1, 1), CustomEndDate: datePtr(2025, 1, 31)}, saturday, false, TimeOfDay{}},
		{"custom missing bounds", Schedule{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: MaskAll}, tuesday, false, TimeOfDay{}},
		{"custom slot without time", Schedule{FrequencyType: FrequencyDaily, SlotType: SlotCustom}, tuesday, false, TimeOfDay{}},
		{"daily before start", Schedule{FrequencyType: FrequencyDaily, SlotType: SlotMorning, CustomStartDate: datePtr(2025, 2, 1)}, tuesday, false, TimeOfDay{}},
		{"unknown frequency", Schedule{FrequencyType: 9, SlotType: SlotMorning}, tuesday, false, TimeOfDay{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Fires(tt.s, tt.d)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlannedInstant(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	s := Schedule{FrequencyType: FrequencyWeekly, SlotType: SlotCustom, CustomTime: tod(8, 30), WeekDaysMask: 0b0000010}

	at, ok := PlannedInstant(s, NewDate(2025, 1, 7), loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 7, 8, 30, 0, 0, loc), at)

	_, ok = PlannedInstant(s, NewDate(2025, 1, 8), loc)
	assert.False(t, ok)

	nominal, ok := NominalInstant(s, NewDate(2025, 1, 8), loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 8, 8, 30, 0, 0, loc), nominal)
}

func TestValidate(t *testing.T) {
	ok := []Schedule{
		{FrequencyType: FrequencyDaily, SlotType: SlotMorning},
		{FrequencyType: FrequencyWeekly, SlotType: SlotCustom, CustomTime: tod(14, 30), WeekDaysMask: 0b0011111},
		{FrequencyType: FrequencyCustom, SlotType: SlotEvening, WeekDaysMask: 1, CustomStartDate: datePtr(2025, 1, 1), CustomEndDate: datePtr(2025, 1, 1)},
	}
	for _, s := range ok {
		assert.NoError(t, Validate(s))
	}

	bad := []Schedule{
		{FrequencyType: 7, SlotType: SlotMorning},
		{FrequencyType: FrequencyDaily, SlotType: 0},
		{FrequencyType: FrequencyDaily, SlotType: SlotCustom},
		{FrequencyType: FrequencyDaily, SlotType: SlotCustom, CustomTime: &TimeOfDay{Hour: 25}},
		{FrequencyType: FrequencyWeekly, SlotType: SlotMorning},
		{FrequencyType: FrequencyWeekly, SlotType: SlotMorning, WeekDaysMask: 200},
		{FrequencyType: FrequencyCustom, SlotType: SlotMorning, WeekDaysMask: 1},
		{FrequencyType: FrequencyCustom, SlotType: SlotMorning, WeekDaysMask: 1, CustomStartDate: datePtr(2025, 2, 1), CustomEndDate: datePtr(2025, 1, 1)},
	}
	for i, s := range bad {
		assert.Error(t, Validate(s), "case %d", i)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	v, err := ParseTimeOfDay("08:30")
	require.NoError(t, err)
	assert.Equal(t, "08:30", v.String())

	v, err = ParseTimeOfDay("14:30:15")
	require.NoError(t, err)
	assert.Equal(t, "14:30:15", v.String())

	_, err = ParseTimeOfDay("8h30")
	assert.Error(t, err)
}

func TestParseDateAndCompare(t *testing.T) {
	d, err := ParseDate("2025-01-07")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-07", d.String())
	assert.True(t, d.Before(d.AddDays(1)))
	assert.Equal(t, 0, d.Compare(NewDate(2025, 1, 7)))
	assert.Equal(t, NewDate(2025, 2, 1), NewDate(2025, 1, 32))

	loc := time.FixedZone("CST", 8*3600)
	// UTC 2025-01-06T17:00 == 北京时间 2025-01-07T01:00
	assert.Equal(t, NewDate(2025, 1, 7), DateOf(time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC), loc))
}
