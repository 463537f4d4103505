package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/database"
	"checkin-core/internal/domain"
)

// PostgresCommunitiesRepository 社区与成员归属
type PostgresCommunitiesRepository struct {
	db *sql.DB
}

func NewPostgresCommunitiesRepository(db *sql.DB) *PostgresCommunitiesRepository {
	return &PostgresCommunitiesRepository{db: db}
}

var _ CommunitiesRepository = (*PostgresCommunitiesRepository)(nil)

const communityColumns = `
	community_id,
	name,
	latitude,
	longitude,
	status,
	is_default,
	is_blackhouse,
	created_at,
	updated_at`

func scanCommunity(row rowScanner) (*domain.Community, error) {
	var c domain.Community
	var lat, lon sql.NullFloat64
	var status int
	if err := row.Scan(&c.CommunityID, &c.Name, &lat, &lon, &status, &c.IsDefault, &c.IsBlackhouse, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Latitude = float64Ptr(lat)
	c.Longitude = float64Ptr(lon)
	c.Status = domain.CommunityStatus(status)
	return &c, nil
}

func (r *PostgresCommunitiesRepository) GetCommunity(ctx context.Context, communityID int64) (*domain.Community, error) {
	c, err := scanCommunity(r.db.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM communities WHERE community_id = $1`, communityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

func (r *PostgresCommunitiesRepository) ListCommunities(ctx context.Context, filter CommunitiesFilter) ([]*domain.Community, int, error) {
	page, size := normalizePage(filter.Page, filter.Size)

	where := []string{"TRUE"}
	args := []any{}
	argIdx := 1
	if filter.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, int(*filter.Status))
		argIdx++
	}
	if kw := strings.TrimSpace(filter.Keyword); kw != "" {
		where = append(where, fmt.Sprintf("name ILIKE $%d", argIdx))
		args = append(args, "%"+kw+"%")
		argIdx++
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM communities WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count communities: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM communities WHERE %s ORDER BY community_id LIMIT $%d OFFSET $%d`,
		communityColumns, whereClause, argIdx, argIdx+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list communities: %w", err)
	}
	defer rows.Close()

	var out []*domain.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan community: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *PostgresCommunitiesRepository) EnsureReserved(ctx context.Context, defaultName, blackhouseName string) (domain.ReservedCommunities, error) {
	var out domain.ReservedCommunities
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if out.DefaultID, err = ensureReserved(ctx, tx, "is_default", defaultName); err != nil {
			return err
		}
		out.BlackhouseID, err = ensureReserved(ctx, tx, "is_blackhouse", blackhouseName)
		return err
	})
	return out, err
}

// ensureReserved flag 为 is_default / is_blackhouse（固定列名，非用户输入）
func ensureReserved(ctx context.Context, tx *sql.Tx, flag, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT community_id FROM communities WHERE `+flag).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up %s community: %w", flag, err)
	}

	isDefault := flag == "is_default"
	err = tx.QueryRowContext(ctx, `
		UPDATE communities SET is_default = $2, is_blackhouse = $3, status = 1, updated_at = now()
		WHERE name = $1
		RETURNING community_id
	`, name, isDefault, !isDefault).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to flag %s community: %w", flag, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO communities (name, status, is_default, is_blackhouse)
		VALUES ($1, 1, $2, $3)
		RETURNING community_id
	`, name, isDefault, !isDefault).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s community: %w", flag, err)
	}
	return id, nil
}

func (r *PostgresCommunitiesRepository) CreateCommunity(ctx context.Context, c *domain.Community, audit *domain.UserAuditLog) (int64, error) {
	var id int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO communities (name, latitude, longitude, status)
			VALUES ($1, $2, $3, $4)
			RETURNING community_id
		`, c.Name, nullFloat(c.Latitude), nullFloat(c.Longitude), int(c.Status)).Scan(&id)
		if err != nil {
			if database.IsUniqueViolation(err, "uq_communities_name") {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to create community: %w", err)
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
	return id, err
}

func (r *PostgresCommunitiesRepository) UpdateCommunity(ctx context.Context, c *domain.Community, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE communities SET name = $2, latitude = $3, longitude = $4, updated_at = now()
			WHERE community_id = $1
		`, c.CommunityID, c.Name, nullFloat(c.Latitude), nullFloat(c.Longitude))
		if err != nil {
			if database.IsUniqueViolation(err, "uq_communities_name") {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to update community: %w", err)
		}
		if err := mustAffect(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
}

func (r *PostgresCommunitiesRepository) SetCommunityStatus(ctx context.Context, communityID int64, status domain.CommunityStatus, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE communities SET status = $2, updated_at = now() WHERE community_id = $1`, communityID, int(status))
		if err != nil {
			return fmt.Errorf("failed to set community status: %w", err)
		}
		if err := mustAffect(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
}

func (r *PostgresCommunitiesRepository) DeleteCommunity(ctx context.Context, communityID, moveTo int64, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT community_id FROM communities WHERE community_id = $1 FOR UPDATE`, communityID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock community: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `DELETE FROM community_staff WHERE community_id = $1 RETURNING user_id`, communityID)
		if err != nil {
			return fmt.Errorf("failed to remove staff: %w", err)
		}
		var staffIDs []int64
		for rows.Next() {
			var uid int64
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			staffIDs = append(staffIDs, uid)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET community_id = $2, community_joined_at = $3, updated_at = $3
			WHERE community_id = $1
		`, communityID, moveTo, at); err != nil {
			return fmt.Errorf("failed to move members: %w", err)
		}
		for _, uid := range staffIDs {
			if err := recomputeRole(ctx, tx, uid); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE community_checkin_rules SET status = 2, deleted_at = $2, updated_at = $2
			WHERE community_id = $1 AND status <> 2
		`, communityID, at); err != nil {
			return fmt.Errorf("failed to delete community rules: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE community_id = $1`, communityID); err != nil {
			return fmt.Errorf("failed to delete community: %w", err)
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

func (r *PostgresCommunitiesRepository) MoveUser(ctx context.Context, userID int64, expectFrom *int64, to int64, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var current sql.NullInt64
		var status int
		err := tx.QueryRowContext(ctx,
			`SELECT community_id, status FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock user: %w", err)
		}
		if domain.UserStatus(status) != domain.UserActive {
			return ErrNotFound
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM communities WHERE community_id = $1)`, to).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check community: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if expectFrom != nil && (!current.Valid || current.Int64 != *expectFrom) {
			return apperr.Precondition(apperr.CodeNotMember, "user %d is not a member of community %d", userID, *expectFrom)
		}
		if current.Valid && current.Int64 == to {
			return apperr.Conflict(apperr.CodeAlreadyMember, "user %d is already a member of community %d", userID, to)
		}

		if current.Valid {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM community_staff WHERE community_id = $1 AND user_id = $2`, current.Int64, userID); err != nil {
				return fmt.Errorf("failed to drop staff row: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET community_id = $2, community_joined_at = $3, updated_at = $3
			WHERE user_id = $1
		`, userID, to, at); err != nil {
			return fmt.Errorf("failed to move user: %w", err)
		}
		if err := recomputeRole(ctx, tx, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

// PostgresStaffRepository 社区工作人员
type PostgresStaffRepository struct {
	db *sql.DB
}

func NewPostgresStaffRepository(db *sql.DB) *PostgresStaffRepository {
	return &PostgresStaffRepository{db: db}
}

var _ StaffRepository = (*PostgresStaffRepository)(nil)

func (r *PostgresStaffRepository) GetStaffRole(ctx context.Context, communityID, userID int64) (domain.StaffRole, bool, error) {
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT role FROM community_staff WHERE community_id = $1 AND user_id = $2`, communityID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get staff role: %w", err)
	}
	return domain.StaffRole(role), true, nil
}

func (r *PostgresStaffRepository) ListStaff(ctx context.Context, communityID int64) ([]domain.CommunityStaff, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.community_id, s.user_id, s.role, u.nickname, s.created_at
		FROM community_staff s
		JOIN users u ON u.user_id = s.user_id
		WHERE s.community_id = $1
		ORDER BY (s.role = 'manager') DESC, s.user_id
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff: %w", err)
	}
	defer rows.Close()

	var out []domain.CommunityStaff
	for rows.Next() {
		var s domain.CommunityStaff
		var role string
		if err := rows.Scan(&s.CommunityID, &s.UserID, &role, &s.Nickname, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		s.Role = domain.StaffRole(role)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresStaffRepository) AddStaff(ctx context.Context, communityID, userID int64, role domain.StaffRole, at time.Time, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var current sql.NullInt64
		var status int
		err := tx.QueryRowContext(ctx,
			`SELECT community_id, status FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock user: %w", err)
		}
		if domain.UserStatus(status) != domain.UserActive {
			return ErrNotFound
		}
		if !current.Valid || current.Int64 != communityID {
			return apperr.Precondition(apperr.CodeNotMember, "user %d is not a member of community %d", userID, communityID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO community_staff (community_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (community_id, user_id) DO UPDATE SET role = EXCLUDED.role
		`, communityID, userID, string(role), at)
		if err != nil {
			if database.IsUniqueViolation(err, "uq_community_manager") {
				return apperr.Conflict(apperr.CodeManagerExists, "community %d already has a manager", communityID)
			}
			return fmt.Errorf("failed to add staff: %w", err)
		}
		if err := recomputeRole(ctx, tx, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, at)
	})
}

func (r *PostgresStaffRepository) RemoveStaff(ctx context.Context, communityID, userID int64, audit *domain.UserAuditLog) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM community_staff WHERE community_id = $1 AND user_id = $2`, communityID, userID)
		if err != nil {
			return fmt.Errorf("failed to remove staff: %w", err)
		}
		if err := mustAffect(res); err != nil {
			return err
		}
		if err := recomputeRole(ctx, tx, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit, time.Now())
	})
}
