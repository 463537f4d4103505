package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/database"
	"checkin-core/internal/domain"
)

// PostgresMergeRepository 账号合并
type PostgresMergeRepository struct {
	db *sql.DB
}

func NewPostgresMergeRepository(db *sql.DB) *PostgresMergeRepository {
	return &PostgresMergeRepository{db: db}
}

var _ MergeRepository = (*PostgresMergeRepository)(nil)

// mergeSteps 按顺序执行；$1 = primary, $2 = secondary，引用 $3 的语句另带 at
var mergeSteps = []struct {
	name   string
	query  string
	withAt bool
}{
	{"reassign rules", `
		UPDATE checkin_rules SET solo_user_id = $1, updated_at = $3 WHERE solo_user_id = $2`, true},
	{"revoke colliding records", `
		UPDATE checkin_records s SET status = 2, checkin_time = NULL, updated_at = $3
		WHERE s.solo_user_id = $2 AND s.status = 1 AND EXISTS (
			SELECT 1 FROM checkin_records p
			WHERE p.solo_user_id = $1 AND p.status = 1
				AND COALESCE(p.rule_id, 0) = COALESCE(s.rule_id, 0)
				AND COALESCE(p.community_rule_id, 0) = COALESCE(s.community_rule_id, 0)
				AND p.planned_date = s.planned_date
		)`, true},
	{"reassign records", `
		UPDATE checkin_records SET solo_user_id = $1, updated_at = $3 WHERE solo_user_id = $2`, true},
	{"drop duplicate mappings", `
		DELETE FROM user_community_rule_mappings s
		WHERE s.user_id = $2 AND EXISTS (
			SELECT 1 FROM user_community_rule_mappings p
			WHERE p.user_id = $1 AND p.community_rule_id = s.community_rule_id
		)`, false},
	{"reassign mappings", `
		UPDATE user_community_rule_mappings SET user_id = $1, updated_at = $3 WHERE user_id = $2`, true},
	{"drop self relations", `
		DELETE FROM supervision_relations
		WHERE ((solo_user_id = $1 AND supervisor_user_id = $2) OR (solo_user_id = $2 AND supervisor_user_id = $1))`, false},
	{"drop duplicate solo relations", `
		DELETE FROM supervision_relations s
		WHERE s.solo_user_id = $2 AND EXISTS (
			SELECT 1 FROM supervision_relations p
			WHERE p.solo_user_id = $1 AND p.supervisor_user_id = s.supervisor_user_id
				AND COALESCE(p.rule_id, 0) = COALESCE(s.rule_id, 0)
		)`, false},
	{"reassign solo relations", `
		UPDATE supervision_relations SET solo_user_id = $1, updated_at = $3 WHERE solo_user_id = $2`, true},
	{"drop duplicate supervisor relations", `
		DELETE FROM supervision_relations s
		WHERE s.supervisor_user_id = $2 AND EXISTS (
			SELECT 1 FROM supervision_relations p
			WHERE p.supervisor_user_id = $1 AND p.solo_user_id = s.solo_user_id
				AND COALESCE(p.rule_id, 0) = COALESCE(s.rule_id, 0)
		)`, false},
	{"reassign supervisor relations", `
		UPDATE supervision_relations SET supervisor_user_id = $1, updated_at = $3 WHERE supervisor_user_id = $2`, true},
	{"reassign share links", `
		UPDATE share_links SET solo_user_id = $1 WHERE solo_user_id = $2`, false},
	{"drop staff rows", `
		DELETE FROM community_staff s
		WHERE s.user_id = $2 AND (
			EXISTS (SELECT 1 FROM community_staff p WHERE p.user_id = $1 AND p.community_id = s.community_id)
			OR s.community_id IS DISTINCT FROM (SELECT community_id FROM users WHERE user_id = $1)
		)`, false},
	{"reassign staff rows", `
		UPDATE community_staff SET user_id = $1 WHERE user_id = $2`, false},
}

func (r *PostgresMergeRepository) MergeUsers(ctx context.Context, primaryID, secondaryID int64, at time.Time, audit *domain.UserAuditLog) error {
	if primaryID == secondaryID {
		return apperr.InvalidArgument("cannot merge a user into itself")
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		// 固定按 user_id 顺序加锁
		rows, err := tx.QueryContext(ctx, `
			SELECT user_id, status FROM users WHERE user_id IN ($1, $2) ORDER BY user_id FOR UPDATE
		`, primaryID, secondaryID)
		if err != nil {
			return fmt.Errorf("failed to lock users: %w", err)
		}
		found := 0
		active := true
		for rows.Next() {
			var id int64
			var status int
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return err
			}
			found++
			if domain.UserStatus(status) != domain.UserActive {
				active = false
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if found != 2 {
			return ErrNotFound
		}
		if !active {
			return apperr.Precondition(apperr.CodeInvalidState, "both users must be active to merge")
		}

		if err := mergeIdentity(ctx, tx, primaryID, secondaryID, at); err != nil {
			return err
		}
		for _, step := range mergeSteps {
			args := []any{primaryID, secondaryID}
			if step.withAt {
				args = append(args, at)
			}
			if _, err := tx.ExecContext(ctx, step.query, args...); err != nil {
				return fmt.Errorf("failed to %s: %w", step.name, err)
			}
		}
		if err := recomputeRole(ctx, tx, primaryID); err != nil {
			return err
		}
		if err := recomputeRole(ctx, tx, secondaryID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET status = 2, updated_at = $2 WHERE user_id = $1`, secondaryID, at); err != nil {
			return fmt.Errorf("failed to disable secondary user: %w", err)
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

// mergeIdentity 先清空次账号的身份字段（释放唯一索引），再补齐主账号缺失的字段
func mergeIdentity(ctx context.Context, tx *sql.Tx, primaryID, secondaryID int64, at time.Time) error {
	var phoneHash, phoneMasked, openid, pwHash, pwSalt sql.NullString
	var nickname, avatar string
	var role int
	err := tx.QueryRowContext(ctx, `
		SELECT phone_hash, phone_masked, wechat_external_id, password_hash, password_salt, nickname, avatar_url, role
		FROM users WHERE user_id = $1
	`, secondaryID).Scan(&phoneHash, &phoneMasked, &openid, &pwHash, &pwSalt, &nickname, &avatar, &role)
	if err != nil {
		return fmt.Errorf("failed to read secondary identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET
			phone_hash = NULL,
			phone_masked = NULL,
			wechat_external_id = NULL,
			password_hash = NULL,
			password_salt = NULL,
			updated_at = $2
		WHERE user_id = $1
	`, secondaryID, at); err != nil {
		return fmt.Errorf("failed to release secondary identity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			phone_masked = CASE WHEN phone_hash IS NULL THEN $3 ELSE phone_masked END,
			phone_hash = COALESCE(phone_hash, $2),
			wechat_external_id = COALESCE(wechat_external_id, $4),
			password_salt = CASE WHEN password_hash IS NULL THEN $6 ELSE password_salt END,
			password_hash = COALESCE(password_hash, $5),
			nickname = CASE WHEN nickname = '' THEN $7 ELSE nickname END,
			avatar_url = CASE WHEN avatar_url = '' THEN $8 ELSE avatar_url END,
			role = CASE WHEN $9 = 4 THEN 4 ELSE role END,
			updated_at = $10
		WHERE user_id = $1
	`, primaryID, phoneHash, phoneMasked, openid, pwHash, pwSalt, nickname, avatar, role, at)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to fill primary identity: %w", err)
	}
	return nil
}
