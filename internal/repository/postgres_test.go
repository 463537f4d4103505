package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

var recordCols = []string{
	"record_id", "solo_user_id", "rule_id", "community_rule_id", "planned_time",
	"planned_date", "checkin_time", "status", "created_at", "updated_at",
}

func TestGetUser_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresUsersRepository(db)

	mock.ExpectQuery(`SELECT .* FROM users WHERE user_id = \$1`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	u, err := repo.GetUser(context.Background(), 7)
	assert.Nil(t, u)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DuplicatePhone(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresUsersRepository(db)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_users_phone_hash"})

	hash := "h1"
	_, err := repo.CreateUser(context.Background(), &domain.User{PhoneHash: &hash})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRule_ParsesSchedule(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRulesRepository(db)

	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"rule_id", "solo_user_id", "name", "icon",
		"frequency_type", "slot_type", "custom_time", "custom_start_date", "custom_end_date", "week_days_mask",
		"status", "created_at", "updated_at", "deleted_at",
	}).AddRow(
		int64(3), int64(1), "喝水", "",
		3, 4, "07:30:00", "2026-10-01", nil, 127,
		1, now, now, nil,
	)
	mock.ExpectQuery(`SELECT .* FROM checkin_rules WHERE rule_id = \$1 AND status <> 2`).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	r, err := repo.GetRule(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyCustom, r.Schedule.FrequencyType)
	require.NotNil(t, r.Schedule.CustomTime)
	assert.Equal(t, "07:30", r.Schedule.CustomTime.String())
	require.NotNil(t, r.Schedule.CustomStartDate)
	assert.Equal(t, schedule.NewDate(2026, time.October, 1), *r.Schedule.CustomStartDate)
	assert.Nil(t, r.Schedule.CustomEndDate)
	assert.Nil(t, r.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckin_InsertsWhenNoRecord(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRecordsRepository(db)

	now := time.Date(2026, 10, 17, 1, 5, 0, 0, time.UTC)
	planned := time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)
	in := CheckinInput{
		UserID:      1,
		Ref:         domain.RuleRef{Kind: domain.SourcePersonal, ID: 3},
		PlannedTime: planned,
		PlannedDate: schedule.NewDate(2026, time.October, 17),
		Now:         now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("checkin:personal:3:1:2026-10-17").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM checkin_records\s+WHERE solo_user_id = \$1 AND rule_id = \$2`).
		WithArgs(int64(1), int64(3), "2026-10-17").
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(`INSERT INTO checkin_records`).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(10), int64(1), int64(3), nil, planned, "2026-10-17", now, 1, now, now))
	mock.ExpectCommit()

	rec, err := repo.Checkin(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.RecordID)
	assert.Equal(t, domain.RecordChecked, rec.Status)
	assert.Equal(t, in.Ref, rec.Ref())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckin_UpgradesMissed(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRecordsRepository(db)

	now := time.Date(2026, 10, 17, 13, 0, 0, 0, time.UTC)
	planned := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	in := CheckinInput{
		UserID:      1,
		Ref:         domain.RuleRef{Kind: domain.SourceCommunity, ID: 5},
		PlannedTime: planned,
		PlannedDate: schedule.NewDate(2026, time.October, 17),
		Now:         now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`community_rule_id = \$2`).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(9), int64(1), nil, int64(5), planned, "2026-10-17", nil, 0, planned, planned))
	mock.ExpectQuery(`UPDATE checkin_records SET status = 1`).
		WithArgs(int64(9), now).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(9), int64(1), nil, int64(5), planned, "2026-10-17", now, 1, planned, now))
	mock.ExpectCommit()

	rec, err := repo.Checkin(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.RecordID)
	assert.Equal(t, domain.RecordChecked, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckin_AlreadyChecked(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRecordsRepository(db)

	now := time.Date(2026, 10, 17, 13, 0, 0, 0, time.UTC)
	in := CheckinInput{
		UserID:      1,
		Ref:         domain.RuleRef{Kind: domain.SourcePersonal, ID: 3},
		PlannedDate: schedule.NewDate(2026, time.October, 17),
		Now:         now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM checkin_records`).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(9), int64(1), int64(3), nil, now, "2026-10-17", now, 1, now, now))
	mock.ExpectRollback()

	_, err := repo.Checkin(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyChecked, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckin_UniqueViolationMapsToAlreadyChecked(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRecordsRepository(db)

	in := CheckinInput{
		UserID:      1,
		Ref:         domain.RuleRef{Kind: domain.SourcePersonal, ID: 3},
		PlannedDate: schedule.NewDate(2026, time.October, 17),
		Now:         time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM checkin_records`).WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(`INSERT INTO checkin_records`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_checkin_records_checked"})
	mock.ExpectRollback()

	_, err := repo.Checkin(context.Background(), in)
	assert.Equal(t, apperr.CodeAlreadyChecked, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelCheckin_TooLate(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresRecordsRepository(db)

	checkedAt := time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM checkin_records WHERE record_id = \$1 FOR UPDATE`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(9), int64(1), int64(3), nil, checkedAt, "2026-10-17", checkedAt, 1, checkedAt, checkedAt))
	mock.ExpectRollback()

	_, err := repo.CancelCheckin(context.Background(), 9, 1, checkedAt.Add(31*time.Minute), 30*time.Minute)
	assert.Equal(t, apperr.CodeTooLate, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCommunityRule_RejectsEnabled(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresCommunityRulesRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, community_id FROM community_checkin_rules`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "community_id"}).AddRow(1, int64(2)))
	mock.ExpectRollback()

	err := repo.UpdateCommunityRule(context.Background(), &domain.CommunityRule{CommunityRuleID: 5, Name: "x"}, nil)
	assert.True(t, errors.Is(err, apperr.ErrRuleEnabled))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnableCommunityRule_CreatesMappings(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresCommunityRulesRepository(db)

	at := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, community_id FROM community_checkin_rules`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "community_id"}).AddRow(0, int64(2)))
	mock.ExpectExec(`UPDATE community_checkin_rules SET status = 1`).
		WithArgs(int64(5), int64(99), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_community_rule_mappings`).
		WithArgs(int64(2), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO user_audit_logs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	audit := &domain.UserAuditLog{UserID: 99, OperatorID: 99, Action: domain.AuditCommunityRuleEnable}
	require.NoError(t, repo.EnableCommunityRule(context.Background(), 5, 99, at, audit))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddStaff_ManagerExists(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresStaffRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT community_id, status FROM users WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"community_id", "status"}).AddRow(int64(2), 1))
	mock.ExpectExec(`INSERT INTO community_staff`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_community_manager"})
	mock.ExpectRollback()

	err := repo.AddStaff(context.Background(), 2, 4, domain.StaffManager, time.Now(), nil)
	assert.Equal(t, apperr.CodeManagerExists, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveUser_NotMember(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresCommunitiesRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT community_id, status FROM users`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"community_id", "status"}).AddRow(int64(3), 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	from := int64(2)
	err := repo.MoveUser(context.Background(), 4, &from, 1, time.Now(), nil)
	assert.Equal(t, apperr.CodeNotMember, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAccepted_ReportsCreated(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresSupervisionRepository(db)

	at := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO supervision_relations .* ON CONFLICT`).
		WithArgs(int64(1), int64(2), nil, at).
		WillReturnRows(sqlmock.NewRows([]string{
			"relation_id", "solo_user_id", "supervisor_user_id", "rule_id", "status",
			"invite_token", "invite_expires_at", "created_at", "updated_at", "created",
		}).AddRow(int64(8), int64(1), int64(2), nil, 1, nil, nil, at, at, true))

	rel, created, err := repo.UpsertAccepted(context.Background(), 1, 2, nil, at)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.SupervisionAccepted, rel.Status)
	assert.Nil(t, rel.RuleID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRelation_InvalidState(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresSupervisionRepository(db)

	at := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM supervision_relations WHERE relation_id = \$1 FOR UPDATE`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{
			"relation_id", "solo_user_id", "supervisor_user_id", "rule_id", "status",
			"invite_token", "invite_expires_at", "created_at", "updated_at",
		}).AddRow(int64(8), int64(1), int64(2), nil, 3, nil, nil, at, at))
	mock.ExpectRollback()

	_, err := repo.TransitionRelation(context.Background(), 8,
		[]domain.SupervisionStatus{domain.SupervisionPending}, domain.SupervisionAccepted, at)
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeUsers_RejectsSelf(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresMergeRepository(db)

	err := repo.MergeUsers(context.Background(), 3, 3, time.Now(), nil)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeUsers_RunsAllSteps(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresMergeRepository(db)

	at := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, status FROM users WHERE user_id IN`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "status"}).AddRow(int64(1), 1).AddRow(int64(2), 1))
	mock.ExpectQuery(`SELECT phone_hash, phone_masked`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{
			"phone_hash", "phone_masked", "wechat_external_id", "password_hash", "password_salt", "nickname", "avatar_url", "role",
		}).AddRow("h", "+86138****0000", nil, nil, nil, "二号", "", 1))
	mock.ExpectExec(`UPDATE users SET\s+phone_hash = NULL`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET\s+phone_masked = CASE`).WillReturnResult(sqlmock.NewResult(0, 1))
	for range mergeSteps {
		mock.ExpectExec(`.`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`UPDATE users SET\s+role = COALESCE`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET\s+role = COALESCE`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET status = 2`).WithArgs(int64(2), at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_audit_logs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	audit := &domain.UserAuditLog{UserID: 1, OperatorID: 1, Action: domain.AuditMerge}
	require.NoError(t, repo.MergeUsers(context.Background(), 1, 2, at, audit))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSteps_ArgsMatchPlaceholders(t *testing.T) {
	for _, step := range mergeSteps {
		uses := strings.Contains(step.query, "$3")
		assert.Equal(t, uses, step.withAt, step.name)
	}
}

func TestMarkCodeUsed_RowsAffectedError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresCodesRepository(db)

	mock.ExpectExec(`UPDATE verification_codes SET is_used = TRUE`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver: rows affected unavailable")))
	err := repo.MarkCodeUsed(context.Background(), 5)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	mock.ExpectExec(`UPDATE verification_codes SET is_used = TRUE`).
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.MarkCodeUsed(context.Background(), 6), ErrNotFound)

	mock.ExpectExec(`DELETE FROM verification_codes WHERE expires_at <= \$1`).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver: rows affected unavailable")))
	_, err = repo.DeleteExpiredCodes(context.Background(), time.Now())
	require.Error(t, err)

	mock.ExpectExec(`DELETE FROM verification_codes WHERE expires_at <= \$1`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.DeleteExpiredCodes(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCommunityRules_StatusFilter(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresCommunityRulesRepository(db)

	mock.ExpectQuery(`FROM community_checkin_rules WHERE community_id = \$1 AND status = 1 `).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(nil))
	_, err := repo.ListCommunityRules(context.Background(), 7, false)
	require.NoError(t, err)

	mock.ExpectQuery(`FROM community_checkin_rules WHERE community_id = \$1 AND status IN \(0, 1\) `).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(nil))
	_, err = repo.ListCommunityRules(context.Background(), 7, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUsers_ArrayParam(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewPostgresUsersRepository(db)

	cols := []string{
		"user_id", "nickname", "avatar_url", "wechat_external_id", "phone_hash", "phone_masked",
		"password_hash", "password_salt", "role", "status", "community_id", "community_joined_at",
		"created_at", "updated_at",
	}
	now := time.Date(2025, 1, 7, 8, 0, 0, 0, time.UTC)
	// pq.Array 以 Postgres 数组文本传参
	mock.ExpectQuery(`SELECT .* FROM users WHERE user_id = ANY\(\$1\)`).
		WithArgs("{3,5}").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), "张三", "", nil, nil, nil, nil, nil, 1, 1, int64(1), now, now, now).
			AddRow(int64(5), "李四", "", nil, nil, nil, nil, nil, 1, 2, nil, nil, now, now))

	users, err := repo.GetUsers(context.Background(), []int64{3, 5})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[3].Active())
	assert.Equal(t, domain.UserDisabled, users[5].Status)
	assert.Nil(t, users[5].CommunityID)

	empty, err := repo.GetUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}
