package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"checkin-core/internal/database"
	"checkin-core/internal/domain"

	"github.com/lib/pq"
)

// PostgresUsersRepository 用户Repository实现
type PostgresUsersRepository struct {
	db *sql.DB
}

func NewPostgresUsersRepository(db *sql.DB) *PostgresUsersRepository {
	return &PostgresUsersRepository{db: db}
}

// 确保实现了接口
var _ UsersRepository = (*PostgresUsersRepository)(nil)

const userColumns = `
	user_id,
	nickname,
	avatar_url,
	wechat_external_id,
	phone_hash,
	phone_masked,
	password_hash,
	password_salt,
	role,
	status,
	community_id,
	community_joined_at,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var wechat, phoneHash, phoneMasked, pwHash, pwSalt sql.NullString
	var communityID sql.NullInt64
	var joinedAt sql.NullTime
	var role, status int
	err := row.Scan(
		&u.UserID,
		&u.Nickname,
		&u.AvatarURL,
		&wechat,
		&phoneHash,
		&phoneMasked,
		&pwHash,
		&pwSalt,
		&role,
		&status,
		&communityID,
		&joinedAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.WechatExternalID = stringPtr(wechat)
	u.PhoneHash = stringPtr(phoneHash)
	u.PhoneMasked = stringPtr(phoneMasked)
	u.PasswordHash = stringPtr(pwHash)
	u.PasswordSalt = stringPtr(pwSalt)
	u.Role = domain.Role(role)
	u.Status = domain.UserStatus(status)
	u.CommunityID = int64Ptr(communityID)
	u.CommunityJoinedAt = timePtr(joinedAt)
	return &u, nil
}

func (r *PostgresUsersRepository) getBy(ctx context.Context, where string, arg any) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (r *PostgresUsersRepository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	return r.getBy(ctx, "user_id = $1", userID)
}

func (r *PostgresUsersRepository) GetUsers(ctx context.Context, userIDs []int64) (map[int64]*domain.User, error) {
	out := make(map[int64]*domain.User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out[u.UserID] = u
	}
	return out, rows.Err()
}

func (r *PostgresUsersRepository) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*domain.User, error) {
	return r.getBy(ctx, "phone_hash = $1", phoneHash)
}

func (r *PostgresUsersRepository) GetUserByWechatID(ctx context.Context, openid string) (*domain.User, error) {
	return r.getBy(ctx, "wechat_external_id = $1", openid)
}

func (r *PostgresUsersRepository) CreateUser(ctx context.Context, u *domain.User) (int64, error) {
	role := u.Role
	if role == 0 {
		role = domain.RoleRegular
	}
	status := u.Status
	if status == 0 {
		status = domain.UserActive
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (
			nickname, avatar_url, wechat_external_id, phone_hash, phone_masked,
			password_hash, password_salt, role, status, community_id, community_joined_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING user_id
	`,
		u.Nickname, u.AvatarURL, nullString(u.WechatExternalID), nullString(u.PhoneHash), nullString(u.PhoneMasked),
		nullString(u.PasswordHash), nullString(u.PasswordSalt), int(role), int(status), nullInt64(u.CommunityID), u.CommunityJoinedAt,
	).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

func (r *PostgresUsersRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return nil
}

func (r *PostgresUsersRepository) SetPhone(ctx context.Context, userID int64, phoneHash, phoneMasked string) error {
	return r.exec(ctx, `UPDATE users SET phone_hash = $2, phone_masked = $3, updated_at = now() WHERE user_id = $1`,
		userID, phoneHash, phoneMasked)
}

func (r *PostgresUsersRepository) SetWechatID(ctx context.Context, userID int64, openid string) error {
	return r.exec(ctx, `UPDATE users SET wechat_external_id = $2, updated_at = now() WHERE user_id = $1`, userID, openid)
}

func (r *PostgresUsersRepository) SetPassword(ctx context.Context, userID int64, hash, salt string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $2, password_salt = $3, updated_at = now() WHERE user_id = $1`,
		userID, hash, salt)
}

func (r *PostgresUsersRepository) SearchUsers(ctx context.Context, filter UsersFilter) ([]*domain.User, int, error) {
	page, size := normalizePage(filter.Page, filter.Size)

	where := []string{"status = 1"}
	args := []any{}
	argIdx := 1

	if filter.CommunityID != nil {
		where = append(where, fmt.Sprintf("community_id = $%d", argIdx))
		args = append(args, *filter.CommunityID)
		argIdx++
	}
	if filter.PhoneHash != "" {
		where = append(where, fmt.Sprintf("phone_hash = $%d", argIdx))
		args = append(args, filter.PhoneHash)
		argIdx++
	}
	if kw := strings.TrimSpace(filter.Keyword); kw != "" {
		where = append(where, fmt.Sprintf("nickname ILIKE $%d", argIdx))
		args = append(args, "%"+kw+"%")
		argIdx++
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM users WHERE %s`, whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s ORDER BY user_id LIMIT $%d OFFSET $%d`,
		userColumns, whereClause, argIdx, argIdx+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// recomputeRole 非 super_admin 的全局角色由其工作人员行决定
func recomputeRole(ctx context.Context, q querier, userID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users SET
			role = COALESCE((
				SELECT MAX(CASE WHEN s.role = 'manager' THEN 3 ELSE 2 END)
				FROM community_staff s WHERE s.user_id = users.user_id
			), 1),
			updated_at = now()
		WHERE user_id = $1 AND role <> 4
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to recompute role: %w", err)
	}
	return nil
}
