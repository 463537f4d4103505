package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkin-core/internal/database"
	"checkin-core/internal/domain"
)

// PostgresCodesRepository 短信验证码
type PostgresCodesRepository struct {
	db *sql.DB
}

func NewPostgresCodesRepository(db *sql.DB) *PostgresCodesRepository {
	return &PostgresCodesRepository{db: db}
}

var _ VerificationCodesRepository = (*PostgresCodesRepository)(nil)

func (r *PostgresCodesRepository) ReplaceCode(ctx context.Context, code *domain.VerificationCode) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE verification_codes SET is_used = TRUE
			WHERE phone_hash = $1 AND purpose = $2 AND NOT is_used
		`, code.PhoneHash, string(code.Purpose)); err != nil {
			return fmt.Errorf("failed to invalidate codes: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verification_codes (phone_hash, purpose, code_hash, salt, expires_at, last_sent_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, code.PhoneHash, string(code.Purpose), code.CodeHash, code.Salt, code.ExpiresAt, code.LastSentAt)
		if err != nil {
			return fmt.Errorf("failed to insert code: %w", err)
		}
		return nil
	})
}

func (r *PostgresCodesRepository) GetLiveCode(ctx context.Context, phoneHash string, purpose domain.VerificationPurpose, now time.Time) (*domain.VerificationCode, error) {
	var c domain.VerificationCode
	var p string
	err := r.db.QueryRowContext(ctx, `
		SELECT code_id, phone_hash, purpose, code_hash, salt, expires_at, last_sent_at, is_used
		FROM verification_codes
		WHERE phone_hash = $1 AND purpose = $2 AND NOT is_used AND expires_at > $3
	`, phoneHash, string(purpose), now).Scan(&c.CodeID, &c.PhoneHash, &p, &c.CodeHash, &c.Salt, &c.ExpiresAt, &c.LastSentAt, &c.IsUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	c.Purpose = domain.VerificationPurpose(p)
	return &c, nil
}

func (r *PostgresCodesRepository) MarkCodeUsed(ctx context.Context, codeID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE verification_codes SET is_used = TRUE WHERE code_id = $1 AND NOT is_used`, codeID)
	if err != nil {
		return fmt.Errorf("failed to mark code used: %w", err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return nil
}

func (r *PostgresCodesRepository) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return rowsAffected(res)
}

// PostgresAuditRepository 审计日志
type PostgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

var _ AuditRepository = (*PostgresAuditRepository)(nil)

func (r *PostgresAuditRepository) AppendAudit(ctx context.Context, log *domain.UserAuditLog) error {
	return insertAudit(ctx, r.db, log, time.Now())
}

func (r *PostgresAuditRepository) ListAudit(ctx context.Context, userID int64) ([]domain.UserAuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT log_id, user_id, operator_id, action, detail, created_at
		FROM user_audit_logs WHERE user_id = $1 ORDER BY created_at, log_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var out []domain.UserAuditLog
	for rows.Next() {
		var a domain.UserAuditLog
		if err := rows.Scan(&a.LogID, &a.UserID, &a.OperatorID, &a.Action, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
