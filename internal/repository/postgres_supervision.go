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

// PostgresSupervisionRepository 监护关系
type PostgresSupervisionRepository struct {
	db *sql.DB
}

func NewPostgresSupervisionRepository(db *sql.DB) *PostgresSupervisionRepository {
	return &PostgresSupervisionRepository{db: db}
}

var _ SupervisionRepository = (*PostgresSupervisionRepository)(nil)

const relationColumns = `
	relation_id,
	solo_user_id,
	supervisor_user_id,
	rule_id,
	status,
	invite_token,
	invite_expires_at,
	created_at,
	updated_at`

// tripleClause 三元组匹配，rule_id 为空视为 0
const tripleClause = `solo_user_id = $1 AND supervisor_user_id = $2 AND COALESCE(rule_id, 0) = COALESCE($3::bigint, 0)`

func scanRelation(row rowScanner, extra ...any) (*domain.SupervisionRelation, error) {
	var rel domain.SupervisionRelation
	var ruleID sql.NullInt64
	var token sql.NullString
	var expires sql.NullTime
	var status int
	dest := []any{
		&rel.RelationID,
		&rel.SoloUserID,
		&rel.SupervisorUserID,
		&ruleID,
		&status,
		&token,
		&expires,
		&rel.CreatedAt,
		&rel.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rel.RuleID = int64Ptr(ruleID)
	rel.Status = domain.SupervisionStatus(status)
	rel.InviteToken = stringPtr(token)
	rel.InviteExpiresAt = timePtr(expires)
	return &rel, nil
}

func (r *PostgresSupervisionRepository) getOne(ctx context.Context, where string, args ...any) (*domain.SupervisionRelation, error) {
	rel, err := scanRelation(r.db.QueryRowContext(ctx, `SELECT `+relationColumns+` FROM supervision_relations WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relation: %w", err)
	}
	return rel, nil
}

func (r *PostgresSupervisionRepository) GetRelation(ctx context.Context, relationID int64) (*domain.SupervisionRelation, error) {
	return r.getOne(ctx, "relation_id = $1", relationID)
}

func (r *PostgresSupervisionRepository) GetRelationByInviteToken(ctx context.Context, token string) (*domain.SupervisionRelation, error) {
	return r.getOne(ctx, "invite_token = $1", token)
}

func (r *PostgresSupervisionRepository) FindRelation(ctx context.Context, soloID, supervisorID int64, ruleID *int64) (*domain.SupervisionRelation, error) {
	return r.getOne(ctx, tripleClause, soloID, supervisorID, nullInt64(ruleID))
}

func (r *PostgresSupervisionRepository) UpsertInvite(ctx context.Context, in *domain.SupervisionRelation) (*domain.SupervisionRelation, error) {
	var out *domain.SupervisionRelation
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := scanRelation(tx.QueryRowContext(ctx,
			`SELECT `+relationColumns+` FROM supervision_relations WHERE `+tripleClause+` FOR UPDATE`,
			in.SoloUserID, in.SupervisorUserID, nullInt64(in.RuleID)))
		switch {
		case err == nil:
			if cur.Status == domain.SupervisionAccepted {
				return apperr.Precondition(apperr.CodeInvalidState, "relation %d is already accepted", cur.RelationID)
			}
			out, err = scanRelation(tx.QueryRowContext(ctx, `
				UPDATE supervision_relations SET status = 0, invite_token = $2, invite_expires_at = $3, updated_at = now()
				WHERE relation_id = $1
				RETURNING `+relationColumns, cur.RelationID, nullString(in.InviteToken), in.InviteExpiresAt))
			if err != nil {
				return fmt.Errorf("failed to reset invite: %w", err)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up relation: %w", err)
		}

		out, err = scanRelation(tx.QueryRowContext(ctx, `
			INSERT INTO supervision_relations (solo_user_id, supervisor_user_id, rule_id, status, invite_token, invite_expires_at)
			VALUES ($1, $2, $3, 0, $4, $5)
			RETURNING `+relationColumns,
			in.SoloUserID, in.SupervisorUserID, nullInt64(in.RuleID), nullString(in.InviteToken), in.InviteExpiresAt))
		if err != nil {
			if database.IsUniqueViolation(err, "") {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to create invite: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresSupervisionRepository) UpsertAccepted(ctx context.Context, soloID, supervisorID int64, ruleID *int64, at time.Time) (*domain.SupervisionRelation, bool, error) {
	var created bool
	rel, err := scanRelation(r.db.QueryRowContext(ctx, `
		INSERT INTO supervision_relations (solo_user_id, supervisor_user_id, rule_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (solo_user_id, supervisor_user_id, (COALESCE(rule_id, 0))) DO UPDATE SET
			status = 1,
			invite_token = NULL,
			invite_expires_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING `+relationColumns+`, (xmax = 0)
	`, soloID, supervisorID, nullInt64(ruleID), at), &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to accept relation: %w", err)
	}
	return rel, created, nil
}

func (r *PostgresSupervisionRepository) TransitionRelation(ctx context.Context, relationID int64, from []domain.SupervisionStatus, to domain.SupervisionStatus, at time.Time) (*domain.SupervisionRelation, error) {
	var out *domain.SupervisionRelation
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := scanRelation(tx.QueryRowContext(ctx,
			`SELECT `+relationColumns+` FROM supervision_relations WHERE relation_id = $1 FOR UPDATE`, relationID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock relation: %w", err)
		}
		allowed := false
		for _, s := range from {
			if cur.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.Precondition(apperr.CodeInvalidState, "relation %d is %s", relationID, cur.Status)
		}
		out, err = scanRelation(tx.QueryRowContext(ctx, `
			UPDATE supervision_relations SET status = $2, invite_token = NULL, invite_expires_at = NULL, updated_at = $3
			WHERE relation_id = $1
			RETURNING `+relationColumns, relationID, int(to), at))
		if err != nil {
			return fmt.Errorf("failed to update relation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresSupervisionRepository) list(ctx context.Context, where string, args ...any) ([]domain.SupervisionRelation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+relationColumns+` FROM supervision_relations WHERE `+where+` ORDER BY relation_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	var out []domain.SupervisionRelation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

func (r *PostgresSupervisionRepository) ListBySolo(ctx context.Context, soloID int64) ([]domain.SupervisionRelation, error) {
	return r.list(ctx, "solo_user_id = $1", soloID)
}

func (r *PostgresSupervisionRepository) ListBySupervisor(ctx context.Context, supervisorID int64) ([]domain.SupervisionRelation, error) {
	return r.list(ctx, "supervisor_user_id = $1", supervisorID)
}

func (r *PostgresSupervisionRepository) ListAccepted(ctx context.Context, supervisorID, soloID int64) ([]domain.SupervisionRelation, error) {
	return r.list(ctx, "supervisor_user_id = $1 AND solo_user_id = $2 AND status = 1", supervisorID, soloID)
}

func (r *PostgresSupervisionRepository) PurgeExpiredInvites(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE supervision_relations SET invite_token = NULL, invite_expires_at = NULL, updated_at = $1
		WHERE invite_token IS NOT NULL AND invite_expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge invites: %w", err)
	}
	return rowsAffected(res)
}

// PostgresShareLinksRepository 分享链接与访问日志
type PostgresShareLinksRepository struct {
	db *sql.DB
}

func NewPostgresShareLinksRepository(db *sql.DB) *PostgresShareLinksRepository {
	return &PostgresShareLinksRepository{db: db}
}

var _ ShareLinksRepository = (*PostgresShareLinksRepository)(nil)

func (r *PostgresShareLinksRepository) CreateShareLink(ctx context.Context, link *domain.ShareLink) error {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO share_links (token, solo_user_id, rule_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, link.Token, link.SoloUserID, link.RuleID, link.ExpiresAt, createdAt)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create share link: %w", err)
	}
	return nil
}

func (r *PostgresShareLinksRepository) GetShareLink(ctx context.Context, token string) (*domain.ShareLink, error) {
	var l domain.ShareLink
	err := r.db.QueryRowContext(ctx, `
		SELECT token, solo_user_id, rule_id, expires_at, created_at FROM share_links WHERE token = $1
	`, token).Scan(&l.Token, &l.SoloUserID, &l.RuleID, &l.ExpiresAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share link: %w", err)
	}
	return &l, nil
}

func (r *PostgresShareLinksRepository) AppendAccessLog(ctx context.Context, log *domain.ShareLinkAccessLog) error {
	accessedAt := log.AccessedAt
	if accessedAt.IsZero() {
		accessedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO share_link_access_logs (token, user_agent, ip_address, supervisor_user_id, accessed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, log.Token, log.UserAgent, log.IPAddress, nullInt64(log.SupervisorUserID), accessedAt)
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

func (r *PostgresShareLinksRepository) ListAccessLogs(ctx context.Context, token string) ([]domain.ShareLinkAccessLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT log_id, token, user_agent, ip_address, supervisor_user_id, accessed_at
		FROM share_link_access_logs WHERE token = $1 ORDER BY log_id
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ShareLinkAccessLog
	for rows.Next() {
		var l domain.ShareLinkAccessLog
		var supervisor sql.NullInt64
		if err := rows.Scan(&l.LogID, &l.Token, &l.UserAgent, &l.IPAddress, &supervisor, &l.AccessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		l.SupervisorUserID = int64Ptr(supervisor)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresShareLinksRepository) DeleteExpiredShareLinks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM share_links WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired share links: %w", err)
	}
	return rowsAffected(res)
}
