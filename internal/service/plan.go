package service

import (
	"sort"
	"time"

	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

// 计划项展示状态
const (
	PlanChecked   = "checked"
	PlanUnchecked = "unchecked"
)

// PlanRule 参与投影的规则（个人或社区）
type PlanRule struct {
	ID       int64
	Source   domain.RuleSource
	Name     string
	Icon     string
	Schedule schedule.Schedule
}

func (r PlanRule) Ref() domain.RuleRef { return domain.RuleRef{Kind: r.Source.Kind, ID: r.ID} }

func planRuleOfPersonal(r *domain.Rule) PlanRule {
	return PlanRule{ID: r.RuleID, Source: domain.PersonalSource(), Name: r.Name, Icon: r.Icon, Schedule: r.Schedule}
}

func planRuleOfCommunity(r *domain.CommunityRule) PlanRule {
	return PlanRule{
		ID:       r.CommunityRuleID,
		Source:   domain.CommunitySource(r.CommunityID),
		Name:     r.Name,
		Icon:     r.Icon,
		Schedule: r.Schedule,
	}
}

// PlanItem 某条规则在某天的计划项
type PlanItem struct {
	RuleID      int64             `json:"rule_id"`
	Source      domain.SourceKind `json:"rule_source"`
	CommunityID *int64            `json:"community_id,omitempty"`
	Name        string            `json:"name"`
	Icon        string            `json:"icon"`
	PlannedTime time.Time         `json:"planned_time"`
	Status      string            `json:"status"`
	RecordID    *int64            `json:"record_id"`
	CheckinTime *time.Time        `json:"checkin_time"`
}

// Project 纯函数：规则 × 日期 → 计划项，并与当天的打卡记录合并。
// records 应为同一用户的记录；planned_date 不等于 date 的记录被忽略。
// 结果按 planned_time 升序，同一时刻个人规则在前，再按规则 id。
func Project(date schedule.Date, loc *time.Location, rules []PlanRule, records []domain.CheckinRecord) []PlanItem {
	byRef := make(map[domain.RuleRef][]*domain.CheckinRecord, len(records))
	for i := range records {
		rec := &records[i]
		if rec.PlannedDate != date {
			continue
		}
		byRef[rec.Ref()] = append(byRef[rec.Ref()], rec)
	}

	items := make([]PlanItem, 0, len(rules))
	for _, r := range rules {
		planned, ok := schedule.PlannedInstant(r.Schedule, date, loc)
		if !ok {
			continue
		}
		item := PlanItem{
			RuleID:      r.ID,
			Source:      r.Source.Kind,
			Name:        r.Name,
			Icon:        r.Icon,
			PlannedTime: planned,
			Status:      PlanUnchecked,
		}
		if r.Source.Kind == domain.SourceCommunity {
			item.CommunityID = int64Ptr(r.Source.CommunityID)
		}
		applyRecords(&item, byRef[r.Ref()])
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.PlannedTime.Equal(b.PlannedTime) {
			return a.PlannedTime.Before(b.PlannedTime)
		}
		if a.Source != b.Source {
			return a.Source == domain.SourcePersonal
		}
		return a.RuleID < b.RuleID
	})
	return items
}

// applyRecords checked 优先；否则取最近一条 revoked 的 record_id；missed 不暴露
func applyRecords(item *PlanItem, recs []*domain.CheckinRecord) {
	var revoked *domain.CheckinRecord
	for _, rec := range recs {
		switch rec.Status {
		case domain.RecordChecked:
			item.Status = PlanChecked
			item.RecordID = int64Ptr(rec.RecordID)
			if rec.CheckinTime != nil {
				t := *rec.CheckinTime
				item.CheckinTime = &t
			}
			return
		case domain.RecordRevoked:
			if revoked == nil || rec.RecordID > revoked.RecordID {
				revoked = rec
			}
		}
	}
	if revoked != nil {
		item.RecordID = int64Ptr(revoked.RecordID)
	}
}
