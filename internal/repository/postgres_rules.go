package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkin-core/internal/domain"
)

// PostgresRulesRepository 个人规则
type PostgresRulesRepository struct {
	db *sql.DB
}

func NewPostgresRulesRepository(db *sql.DB) *PostgresRulesRepository {
	return &PostgresRulesRepository{db: db}
}

var _ RulesRepository = (*PostgresRulesRepository)(nil)

const ruleColumns = `
	rule_id,
	solo_user_id,
	name,
	icon,` + scheduleColumns + `,
	status,
	created_at,
	updated_at,
	deleted_at`

func scanRule(row rowScanner) (*domain.Rule, error) {
	var r domain.Rule
	var sc scheduleScan
	var status int
	var deletedAt sql.NullTime
	dest := []any{&r.RuleID, &r.SoloUserID, &r.Name, &r.Icon}
	dest = append(dest, sc.dest()...)
	dest = append(dest, &status, &r.CreatedAt, &r.UpdatedAt, &deletedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	s, err := sc.schedule()
	if err != nil {
		return nil, err
	}
	r.Schedule = s
	r.Status = domain.RuleStatus(status)
	r.DeletedAt = timePtr(deletedAt)
	return &r, nil
}

func (r *PostgresRulesRepository) CreateRule(ctx context.Context, rule *domain.Rule) (int64, error) {
	args := []any{rule.SoloUserID, rule.Name, rule.Icon}
	args = append(args, scheduleArgs(rule.Schedule)...)
	args = append(args, int(rule.Status))

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO checkin_rules (
			solo_user_id, name, icon,
			frequency_type, slot_type, custom_time, custom_start_date, custom_end_date, week_days_mask,
			status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING rule_id
	`, args...).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	return id, nil
}

func (r *PostgresRulesRepository) GetRule(ctx context.Context, ruleID int64) (*domain.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM checkin_rules WHERE rule_id = $1 AND status <> 2`, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (r *PostgresRulesRepository) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	args := []any{rule.RuleID, rule.Name, rule.Icon}
	args = append(args, scheduleArgs(rule.Schedule)...)
	args = append(args, int(rule.Status))

	res, err := r.db.ExecContext(ctx, `
		UPDATE checkin_rules SET
			name = $2,
			icon = $3,
			frequency_type = $4,
			slot_type = $5,
			custom_time = $6,
			custom_start_date = $7,
			custom_end_date = $8,
			week_days_mask = $9,
			status = $10,
			updated_at = now()
		WHERE rule_id = $1 AND status <> 2
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRulesRepository) SoftDeleteRule(ctx context.Context, ruleID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkin_rules SET status = 2, deleted_at = $2, updated_at = $2
		WHERE rule_id = $1 AND status <> 2
	`, ruleID, at)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRulesRepository) ListRules(ctx context.Context, userID int64) ([]domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM checkin_rules WHERE solo_user_id = $1 AND status <> 2 ORDER BY rule_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}
