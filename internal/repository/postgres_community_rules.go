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
)

// PostgresCommunityRulesRepository 社区规则与用户映射
type PostgresCommunityRulesRepository struct {
	db *sql.DB
}

func NewPostgresCommunityRulesRepository(db *sql.DB) *PostgresCommunityRulesRepository {
	return &PostgresCommunityRulesRepository{db: db}
}

var _ CommunityRulesRepository = (*PostgresCommunityRulesRepository)(nil)

const communityRuleColumns = `
	community_rule_id,
	community_id,
	name,
	icon,` + scheduleColumns + `,
	status,
	created_by,
	enabled_by,
	enabled_at,
	disabled_by,
	disabled_at,
	created_at,
	updated_at,
	deleted_at`

func communityRuleDest(r *domain.CommunityRule, sc *scheduleScan, status *int, enabledBy, disabledBy *sql.NullInt64, enabledAt, disabledAt, deletedAt *sql.NullTime) []any {
	dest := []any{&r.CommunityRuleID, &r.CommunityID, &r.Name, &r.Icon}
	dest = append(dest, sc.dest()...)
	return append(dest, status, &r.CreatedBy, enabledBy, enabledAt, disabledBy, disabledAt, &r.CreatedAt, &r.UpdatedAt, deletedAt)
}

func scanCommunityRule(row rowScanner, extra ...any) (*domain.CommunityRule, error) {
	var r domain.CommunityRule
	var sc scheduleScan
	var status int
	var enabledBy, disabledBy sql.NullInt64
	var enabledAt, disabledAt, deletedAt sql.NullTime
	dest := communityRuleDest(&r, &sc, &status, &enabledBy, &disabledBy, &enabledAt, &disabledAt, &deletedAt)
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s, err := sc.schedule()
	if err != nil {
		return nil, err
	}
	r.Schedule = s
	r.Status = domain.CommunityRuleStatus(status)
	r.EnabledBy = int64Ptr(enabledBy)
	r.EnabledAt = timePtr(enabledAt)
	r.DisabledBy = int64Ptr(disabledBy)
	r.DisabledAt = timePtr(disabledAt)
	r.DeletedAt = timePtr(deletedAt)
	return &r, nil
}

func (r *PostgresCommunityRulesRepository) CreateCommunityRule(ctx context.Context, rule *domain.CommunityRule, audit *domain.UserAuditLog) (int64, error) {
	args := []any{rule.CommunityID, rule.Name, rule.Icon}
	args = append(args, scheduleArgs(rule.Schedule)...)
	args = append(args, rule.CreatedBy)

	var id int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM communities WHERE community_id = $1)`, rule.CommunityID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check community: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO community_checkin_rules (
				community_id, name, icon,
				frequency_type, slot_type, custom_time, custom_start_date, custom_end_date, week_days_mask,
				status, created_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
			RETURNING community_rule_id
		`, args...).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to create community rule: %w", err)
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
	return id, err
}

func (r *PostgresCommunityRulesRepository) GetCommunityRule(ctx context.Context, ruleID int64) (*domain.CommunityRule, error) {
	rule, err := scanCommunityRule(r.db.QueryRowContext(ctx,
		`SELECT `+communityRuleColumns+` FROM community_checkin_rules WHERE community_rule_id = $1 AND status <> 2`, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get community rule: %w", err)
	}
	return rule, nil
}

// lockLiveRule 锁定未删除的社区规则，返回当前状态
func lockLiveRule(ctx context.Context, tx *sql.Tx, ruleID int64) (domain.CommunityRuleStatus, int64, error) {
	var status int
	var communityID int64
	err := tx.QueryRowContext(ctx, `
		SELECT status, community_id FROM community_checkin_rules
		WHERE community_rule_id = $1 AND status <> 2
		FOR UPDATE
	`, ruleID).Scan(&status, &communityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("failed to lock community rule: %w", err)
	}
	return domain.CommunityRuleStatus(status), communityID, nil
}

func (r *PostgresCommunityRulesRepository) UpdateCommunityRule(ctx context.Context, rule *domain.CommunityRule, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		status, _, err := lockLiveRule(ctx, tx, rule.CommunityRuleID)
		if err != nil {
			return err
		}
		if status == domain.CommunityRuleEnabled {
			return apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", rule.CommunityRuleID)
		}

		args := []any{rule.CommunityRuleID, rule.Name, rule.Icon}
		args = append(args, scheduleArgs(rule.Schedule)...)
		if _, err := tx.ExecContext(ctx, `
			UPDATE community_checkin_rules SET
				name = $2,
				icon = $3,
				frequency_type = $4,
				slot_type = $5,
				custom_time = $6,
				custom_start_date = $7,
				custom_end_date = $8,
				week_days_mask = $9,
				updated_at = now()
			WHERE community_rule_id = $1
		`, args...); err != nil {
			return fmt.Errorf("failed to update community rule: %w", err)
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
}

func (r *PostgresCommunityRulesRepository) EnableCommunityRule(ctx context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		status, communityID, err := lockLiveRule(ctx, tx, ruleID)
		if err != nil {
			return err
		}
		if status == domain.CommunityRuleEnabled {
			return apperr.Precondition(apperr.CodeInvalidState, "community rule %d is already enabled", ruleID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE community_checkin_rules SET status = 1, enabled_by = $2, enabled_at = $3, updated_at = $3
			WHERE community_rule_id = $1
		`, ruleID, operatorID, at); err != nil {
			return fmt.Errorf("failed to enable community rule: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_community_rule_mappings (user_id, community_rule_id, is_active)
			SELECT user_id, $2, TRUE FROM users WHERE community_id = $1 AND status = 1
			ON CONFLICT (user_id, community_rule_id) DO NOTHING
		`, communityID, ruleID); err != nil {
			return fmt.Errorf("failed to create mappings: %w", err)
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

func (r *PostgresCommunityRulesRepository) DisableCommunityRule(ctx context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		status, _, err := lockLiveRule(ctx, tx, ruleID)
		if err != nil {
			return err
		}
		if status != domain.CommunityRuleEnabled {
			return apperr.Precondition(apperr.CodeInvalidState, "community rule %d is not enabled", ruleID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE community_checkin_rules SET status = 0, disabled_by = $2, disabled_at = $3, updated_at = $3
			WHERE community_rule_id = $1
		`, ruleID, operatorID, at); err != nil {
			return fmt.Errorf("failed to disable community rule: %w", err)
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

func (r *PostgresCommunityRulesRepository) DeleteCommunityRule(ctx context.Context, ruleID int64, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		status, _, err := lockLiveRule(ctx, tx, ruleID)
		if err != nil {
			return err
		}
		if status == domain.CommunityRuleEnabled {
			return apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", ruleID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE community_checkin_rules SET status = 2, deleted_at = $2, updated_at = $2
			WHERE community_rule_id = $1
		`, ruleID, at); err != nil {
			return fmt.Errorf("failed to delete community rule: %w", err)
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

func (r *PostgresCommunityRulesRepository) ListCommunityRules(ctx context.Context, communityID int64, includeDisabled bool) ([]domain.CommunityRule, error) {
	statusClause := "status = 1"
	// draft 与停用后的规则同为 status=0（后者 disabled_at 非空），工作人员视图两者都要
	if includeDisabled {
		statusClause = "status IN (0, 1)"
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+communityRuleColumns+` FROM community_checkin_rules WHERE community_id = $1 AND `+statusClause+` ORDER BY community_rule_id`,
		communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list community rules: %w", err)
	}
	defer rows.Close()

	var out []domain.CommunityRule
	for rows.Next() {
		rule, err := scanCommunityRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *PostgresCommunityRulesRepository) ListActiveForUser(ctx context.Context, userID, communityID int64) ([]domain.CommunityRule, error) {
	var out []domain.CommunityRule
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_community_rule_mappings (user_id, community_rule_id, is_active)
			SELECT $1, community_rule_id, TRUE FROM community_checkin_rules
			WHERE community_id = $2 AND status = 1
			ON CONFLICT (user_id, community_rule_id) DO NOTHING
		`, userID, communityID); err != nil {
			return fmt.Errorf("failed to ensure mappings: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+communityRuleColumns+` FROM community_checkin_rules r
			WHERE r.community_id = $2 AND r.status = 1
				AND EXISTS (
					SELECT 1 FROM user_community_rule_mappings m
					WHERE m.user_id = $1 AND m.community_rule_id = r.community_rule_id AND m.is_active
				)
			ORDER BY r.community_rule_id
		`, userID, communityID)
		if err != nil {
			return fmt.Errorf("failed to list active community rules: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rule, err := scanCommunityRule(rows)
			if err != nil {
				return fmt.Errorf("failed to scan community rule: %w", err)
			}
			out = append(out, *rule)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresCommunityRulesRepository) ListForUser(ctx context.Context, userID, communityID int64) ([]domain.CommunityRuleForUser, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+communityRuleColumns+`,
			COALESCE((
				SELECT m.is_active FROM user_community_rule_mappings m
				WHERE m.user_id = $1 AND m.community_rule_id = r.community_rule_id
			), TRUE)
		FROM community_checkin_rules r
		WHERE r.community_id = $2 AND (r.status = 1 OR (r.status = 0 AND r.disabled_at IS NOT NULL))
		ORDER BY r.community_rule_id
	`, userID, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list community rules for user: %w", err)
	}
	defer rows.Close()

	var out []domain.CommunityRuleForUser
	for rows.Next() {
		var active bool
		rule, err := scanCommunityRule(rows, &active)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community rule: %w", err)
		}
		out = append(out, domain.CommunityRuleForUser{Rule: *rule, IsActive: active})
	}
	return out, rows.Err()
}

func (r *PostgresCommunityRulesRepository) SetMappingActive(ctx context.Context, userID, ruleID int64, active bool, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, _, err := lockLiveRule(ctx, tx, ruleID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_community_rule_mappings (user_id, community_rule_id, is_active)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, community_rule_id) DO UPDATE SET is_active = EXCLUDED.is_active, updated_at = now()
		`, userID, ruleID, active)
		if err != nil {
			return fmt.Errorf("failed to set mapping: %w", err)
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
}

func (r *PostgresCommunityRulesRepository) GetMapping(ctx context.Context, userID, ruleID int64) (*domain.UserCommunityRuleMapping, error) {
	m := domain.UserCommunityRuleMapping{UserID: userID, CommunityRuleID: ruleID}
	err := r.db.QueryRowContext(ctx, `
		SELECT is_active FROM user_community_rule_mappings WHERE user_id = $1 AND community_rule_id = $2
	`, userID, ruleID).Scan(&m.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return &m, nil
}

func (r *PostgresCommunityRulesRepository) ReconcileAllMappings(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_community_rule_mappings (user_id, community_rule_id, is_active)
		SELECT u.user_id, r.community_rule_id, TRUE
		FROM community_checkin_rules r
		JOIN users u ON u.community_id = r.community_id AND u.status = 1
		WHERE r.status = 1
		ON CONFLICT (user_id, community_rule_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile mappings: %w", err)
	}
	return rowsAffected(res)
}
