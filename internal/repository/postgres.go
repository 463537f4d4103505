package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

// NewPostgresRepositories 全部仓储的 Postgres 实现
func NewPostgresRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Users:          NewPostgresUsersRepository(db),
		Communities:    NewPostgresCommunitiesRepository(db),
		Staff:          NewPostgresStaffRepository(db),
		Rules:          NewPostgresRulesRepository(db),
		CommunityRules: NewPostgresCommunityRulesRepository(db),
		Records:        NewPostgresRecordsRepository(db),
		Supervision:    NewPostgresSupervisionRepository(db),
		ShareLinks:     NewPostgresShareLinksRepository(db),
		Codes:          NewPostgresCodesRepository(db),
		Audit:          NewPostgresAuditRepository(db),
		Merge:          NewPostgresMergeRepository(db),
	}
}

// mustAffect 没有行被更新时返回 ErrNotFound
func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// querier *sql.DB 与 *sql.Tx 的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertAudit 与业务写入同一事务
func insertAudit(ctx context.Context, q querier, a *domain.UserAuditLog, at time.Time) error {
	if a == nil {
		return nil
	}
	if !a.CreatedAt.IsZero() {
		at = a.CreatedAt
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_audit_logs (user_id, operator_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.UserID, a.OperatorID, a.Action, a.Detail, at)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// scheduleColumns 调度字段的 SELECT 片段（时间与日期以文本读出，避免驱动时区换算）
const scheduleColumns = `
	frequency_type,
	slot_type,
	to_char(custom_time, 'HH24:MI:SS'),
	custom_start_date::text,
	custom_end_date::text,
	week_days_mask`

type scheduleScan struct {
	freq, slot, mask int
	customTime       sql.NullString
	start, end       sql.NullString
}

func (s *scheduleScan) dest() []any {
	return []any{&s.freq, &s.slot, &s.customTime, &s.start, &s.end, &s.mask}
}

func (s *scheduleScan) schedule() (schedule.Schedule, error) {
	out := schedule.Schedule{
		FrequencyType: schedule.FrequencyType(s.freq),
		SlotType:      schedule.SlotType(s.slot),
		WeekDaysMask:  s.mask,
	}
	if s.customTime.Valid {
		tod, err := schedule.ParseTimeOfDay(s.customTime.String)
		if err != nil {
			return out, fmt.Errorf("bad custom_time %q: %w", s.customTime.String, err)
		}
		out.CustomTime = &tod
	}
	if s.start.Valid {
		d, err := schedule.ParseDate(s.start.String)
		if err != nil {
			return out, fmt.Errorf("bad custom_start_date %q: %w", s.start.String, err)
		}
		out.CustomStartDate = &d
	}
	if s.end.Valid {
		d, err := schedule.ParseDate(s.end.String)
		if err != nil {
			return out, fmt.Errorf("bad custom_end_date %q: %w", s.end.String, err)
		}
		out.CustomEndDate = &d
	}
	return out, nil
}

// scheduleArgs frequency_type, slot_type, custom_time, custom_start_date, custom_end_date, week_days_mask
func scheduleArgs(s schedule.Schedule) []any {
	var customTime, start, end any
	if s.CustomTime != nil {
		customTime = s.CustomTime.String()
	}
	if s.CustomStartDate != nil {
		start = s.CustomStartDate.String()
	}
	if s.CustomEndDate != nil {
		end = s.CustomEndDate.String()
	}
	return []any{int(s.FrequencyType), int(s.SlotType), customTime, start, end, s.WeekDaysMask}
}
