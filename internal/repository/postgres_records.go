package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/database"
	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

// PostgresRecordsRepository 打卡记录
type PostgresRecordsRepository struct {
	db *sql.DB
}

func NewPostgresRecordsRepository(db *sql.DB) *PostgresRecordsRepository {
	return &PostgresRecordsRepository{db: db}
}

var _ RecordsRepository = (*PostgresRecordsRepository)(nil)

const recordColumns = `
	record_id,
	solo_user_id,
	rule_id,
	community_rule_id,
	planned_time,
	planned_date::text,
	checkin_time,
	status,
	created_at,
	updated_at`

func scanRecord(row rowScanner) (*domain.CheckinRecord, error) {
	var rec domain.CheckinRecord
	var ruleID, communityRuleID sql.NullInt64
	var plannedDate string
	var checkinTime sql.NullTime
	var status int
	err := row.Scan(
		&rec.RecordID,
		&rec.SoloUserID,
		&ruleID,
		&communityRuleID,
		&rec.PlannedTime,
		&plannedDate,
		&checkinTime,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d, err := schedule.ParseDate(plannedDate)
	if err != nil {
		return nil, fmt.Errorf("bad planned_date %q: %w", plannedDate, err)
	}
	rec.PlannedDate = d
	rec.RuleID = int64Ptr(ruleID)
	rec.CommunityRuleID = int64Ptr(communityRuleID)
	rec.CheckinTime = timePtr(checkinTime)
	rec.Status = domain.RecordStatus(status)
	return &rec, nil
}

// refColumn 记录表中规则引用所在列
func refColumn(ref domain.RuleRef) string {
	if ref.Kind == domain.SourceCommunity {
		return "community_rule_id"
	}
	return "rule_id"
}

// checkinLockKey (规则, 用户, 日期) 的 advisory lock 键
func checkinLockKey(in CheckinInput) string {
	return fmt.Sprintf("checkin:%s:%d:%d:%s", in.Ref.Kind, in.Ref.ID, in.UserID, in.PlannedDate)
}

func (r *PostgresRecordsRepository) Checkin(ctx context.Context, in CheckinInput) (*domain.CheckinRecord, error) {
	var out *domain.CheckinRecord
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, checkinLockKey(in)); err != nil {
			return fmt.Errorf("failed to lock checkin slot: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM checkin_records
			WHERE solo_user_id = $1 AND `+refColumn(in.Ref)+` = $2 AND planned_date = $3
			ORDER BY record_id
		`, in.UserID, in.Ref.ID, in.PlannedDate.String())
		if err != nil {
			return fmt.Errorf("failed to load day records: %w", err)
		}
		var today []domain.CheckinRecord
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan record: %w", err)
			}
			today = append(today, *rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		action, missed, err := domain.DecideCheckin(today)
		if err != nil {
			return err
		}

		if action == domain.CheckinUpgrade {
			out, err = scanRecord(tx.QueryRowContext(ctx, `
				UPDATE checkin_records SET status = 1, checkin_time = $2, updated_at = $2
				WHERE record_id = $1
				RETURNING `+recordColumns, missed.RecordID, in.Now))
			if err != nil {
				return fmt.Errorf("failed to upgrade record: %w", err)
			}
			return nil
		}

		rec := domain.CheckinRecord{SoloUserID: in.UserID}
		rec.SetRef(in.Ref)
		out, err = scanRecord(tx.QueryRowContext(ctx, `
			INSERT INTO checkin_records (
				solo_user_id, rule_id, community_rule_id, planned_time, planned_date, checkin_time, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 1, $6, $6)
			RETURNING `+recordColumns,
			in.UserID, nullInt64(rec.RuleID), nullInt64(rec.CommunityRuleID), in.PlannedTime, in.PlannedDate.String(), in.Now))
		if err != nil {
			if database.IsUniqueViolation(err, "uq_checkin_records_checked") {
				return apperr.Conflict(apperr.CodeAlreadyChecked, "already checked in today")
			}
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRecordsRepository) CancelCheckin(ctx context.Context, recordID, userID int64, now time.Time, window time.Duration) (*domain.CheckinRecord, error) {
	var out *domain.CheckinRecord
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM checkin_records WHERE record_id = $1 FOR UPDATE`, recordID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock record: %w", err)
		}
		if err := domain.CheckCancel(rec, userID, now, window); err != nil {
			return err
		}
		out, err = scanRecord(tx.QueryRowContext(ctx, `
			UPDATE checkin_records SET status = 2, checkin_time = NULL, updated_at = $2
			WHERE record_id = $1
			RETURNING `+recordColumns, recordID, now))
		if err != nil {
			return fmt.Errorf("failed to revoke record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRecordsRepository) GetRecord(ctx context.Context, recordID int64) (*domain.CheckinRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM checkin_records WHERE record_id = $1`, recordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRecordsRepository) ListRecords(ctx context.Context, userID int64, from, to schedule.Date) ([]domain.CheckinRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM checkin_records
		WHERE solo_user_id = $1 AND planned_date BETWEEN $2 AND $3
		ORDER BY planned_time, record_id
	`, userID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckinRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *PostgresRecordsRepository) CountRecords(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_records WHERE solo_user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
