package domain

import (
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/schedule"
)

// RecordStatus 打卡记录状态
type RecordStatus int

const (
	RecordMissed  RecordStatus = 0
	RecordChecked RecordStatus = 1
	RecordRevoked RecordStatus = 2
)

func (s RecordStatus) String() string {
	switch s {
	case RecordMissed:
		return "missed"
	case RecordChecked:
		return "checked"
	case RecordRevoked:
		return "revoked"
	}
	return "unknown"
}

// CheckinRecord 打卡记录；RuleID 与 CommunityRuleID 有且仅有一个非空
type CheckinRecord struct {
	RecordID        int64
	SoloUserID      int64
	RuleID          *int64
	CommunityRuleID *int64
	PlannedTime     time.Time
	PlannedDate     schedule.Date
	CheckinTime     *time.Time
	Status          RecordStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ref 记录所属规则
func (r *CheckinRecord) Ref() RuleRef {
	if r.CommunityRuleID != nil {
		return RuleRef{Kind: SourceCommunity, ID: *r.CommunityRuleID}
	}
	if r.RuleID != nil {
		return RuleRef{Kind: SourcePersonal, ID: *r.RuleID}
	}
	return RuleRef{}
}

// SetRef 按规则引用填充 RuleID / CommunityRuleID
func (r *CheckinRecord) SetRef(ref RuleRef) {
	id := ref.ID
	if ref.Kind == SourceCommunity {
		r.CommunityRuleID = &id
		r.RuleID = nil
		return
	}
	r.RuleID = &id
	r.CommunityRuleID = nil
}

// CheckinAction 打卡决策
type CheckinAction int

const (
	CheckinInsert  CheckinAction = iota + 1 // 新建 checked 记录
	CheckinUpgrade                          // 将 missed 记录升级为 checked
)

// DecideCheckin 根据当天已有记录决定打卡动作。
// 存在 checked → ALREADY_CHECKED；存在 missed → 升级该记录；只有 revoked 或没有记录 → 新建。
// 返回的 *CheckinRecord 仅在 CheckinUpgrade 时非空。
func DecideCheckin(today []CheckinRecord) (CheckinAction, *CheckinRecord, error) {
	var missed *CheckinRecord
	for i := range today {
		switch today[i].Status {
		case RecordChecked:
			return 0, nil, apperr.Conflict(apperr.CodeAlreadyChecked, "already checked in today")
		case RecordMissed:
			if missed == nil {
				missed = &today[i]
			}
		}
	}
	if missed != nil {
		return CheckinUpgrade, missed, nil
	}
	return CheckinInsert, nil, nil
}

// CheckCancel 校验撤销：必须本人、已打卡、且在撤销窗口内
func CheckCancel(rec *CheckinRecord, userID int64, now time.Time, window time.Duration) error {
	if rec.SoloUserID != userID {
		return apperr.PermissionDenied("record does not belong to user").WithCode(apperr.CodeNotOwner)
	}
	if rec.Status != RecordChecked || rec.CheckinTime == nil {
		return apperr.Precondition(apperr.CodeNotChecked, "record is not checked")
	}
	if now.Sub(*rec.CheckinTime) > window {
		return apperr.Precondition(apperr.CodeTooLate, "cancel window of %s has passed", window)
	}
	return nil
}
