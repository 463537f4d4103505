// Package schedule 是打卡规则的时间计算中心：判断某条规则在某个日期是否触发、在几点触发。
// 纯函数，不访问存储；其它包不得自行计算星期/时段映射。
package schedule

import (
	"time"

	"checkin-core/internal/apperr"
)

// FrequencyType 频率类型
type FrequencyType int

const (
	FrequencyDaily   FrequencyType = 0
	FrequencyWeekly  FrequencyType = 1
	FrequencyWorkday FrequencyType = 2
	FrequencyCustom  FrequencyType = 3
)

// SlotType 时段类型
type SlotType int

const (
	SlotMorning   SlotType = 1
	SlotAfternoon SlotType = 2
	SlotEvening   SlotType = 3
	SlotCustom    SlotType = 4
)

// 星期掩码：bit0 = 周一 … bit6 = 周日
const (
	MaskAll      = 127
	MaskWorkdays = 31
)

var slotTimes = map[SlotType]TimeOfDay{
	SlotMorning:   {Hour: 9},
	SlotAfternoon: {Hour: 14},
	SlotEvening:   {Hour: 20},
}

// Schedule 个人规则与社区规则共用的调度字段
type Schedule struct {
	FrequencyType   FrequencyType
	SlotType        SlotType
	CustomTime      *TimeOfDay
	CustomStartDate *Date
	CustomEndDate   *Date
	WeekDaysMask    int
}

// SlotTime 规则的触发时刻；custom 时段缺少 custom_time 时返回 false
func SlotTime(s Schedule) (TimeOfDay, bool) {
	if s.SlotType == SlotCustom {
		if s.CustomTime == nil {
			return TimeOfDay{}, false
		}
		return *s.CustomTime, true
	}
	tod, ok := slotTimes[s.SlotType]
	return tod, ok
}

// Fires 判断规则在日期 d 是否触发，触发时返回时刻
func Fires(s Schedule, d Date) (TimeOfDay, bool) {
	if !inRange(s, d) {
		return TimeOfDay{}, false
	}

	wd := d.Weekday0()
	switch s.FrequencyType {
	case FrequencyDaily:
	case FrequencyWeekly:
		if s.WeekDaysMask&(1<<wd) == 0 {
			return TimeOfDay{}, false
		}
	case FrequencyWorkday:
		if wd > 4 {
			return TimeOfDay{}, false
		}
	case FrequencyCustom:
		if s.CustomStartDate == nil || s.CustomEndDate == nil {
			return TimeOfDay{}, false
		}
		if s.WeekDaysMask&(1<<wd) == 0 {
			return TimeOfDay{}, false
		}
	default:
		return TimeOfDay{}, false
	}

	return SlotTime(s)
}

// inRange 起止日期（若设置）对所有频率类型都生效
func inRange(s Schedule, d Date) bool {
	if s.CustomStartDate != nil && d.Before(*s.CustomStartDate) {
		return false
	}
	if s.CustomEndDate != nil && d.After(*s.CustomEndDate) {
		return false
	}
	return true
}

// PlannedInstant 计划时间 = 日期 ⊕ 时刻；规则当天不触发时返回 false
func PlannedInstant(s Schedule, d Date, loc *time.Location) (time.Time, bool) {
	tod, ok := Fires(s, d)
	if !ok {
		return time.Time{}, false
	}
	return d.At(tod, loc), true
}

// NominalInstant 不考虑频率，仅按时段计算当天的计划时间。
// 用于在非触发日补打卡时仍能写入有效的 planned_time。
func NominalInstant(s Schedule, d Date, loc *time.Location) (time.Time, bool) {
	tod, ok := SlotTime(s)
	if !ok {
		return time.Time{}, false
	}
	return d.At(tod, loc), true
}

// Validate 校验调度字段
func Validate(s Schedule) error {
	switch s.FrequencyType {
	case FrequencyDaily, FrequencyWorkday:
	case FrequencyWeekly:
		if s.WeekDaysMask <= 0 {
			return apperr.InvalidArgument("week_days_mask is required for weekly rules")
		}
	case FrequencyCustom:
		if s.WeekDaysMask <= 0 {
			return apperr.InvalidArgument("week_days_mask is required for custom rules")
		}
		if s.CustomStartDate == nil || s.CustomEndDate == nil {
			return apperr.InvalidArgument("custom_start_date and custom_end_date are required for custom rules")
		}
	default:
		return apperr.InvalidArgument("unknown frequency_type %d", s.FrequencyType)
	}

	if s.WeekDaysMask < 0 || s.WeekDaysMask > MaskAll {
		return apperr.InvalidArgument("week_days_mask must be within 0..127")
	}
	if s.CustomStartDate != nil && s.CustomEndDate != nil && s.CustomEndDate.Before(*s.CustomStartDate) {
		return apperr.InvalidArgument("custom_end_date is before custom_start_date")
	}

	switch s.SlotType {
	case SlotMorning, SlotAfternoon, SlotEvening:
	case SlotCustom:
		if s.CustomTime == nil {
			return apperr.InvalidArgument("custom_time is required for custom slot")
		}
		if !s.CustomTime.valid() {
			return apperr.InvalidArgument("custom_time out of range")
		}
	default:
		return apperr.InvalidArgument("unknown slot_type %d", s.SlotType)
	}
	return nil
}

// Less 按时刻比较，供排序使用
func Less(a, b TimeOfDay) bool { return a.seconds() < b.seconds() }
