package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/auth"
	"checkin-core/internal/authz"
	"checkin-core/internal/domain"
	"checkin-core/internal/repository"
	"checkin-core/internal/security"
	"checkin-core/internal/sms"
	"checkin-core/internal/store"
	"checkin-core/internal/wechat"

	"go.uber.org/zap"
)

const (
	codeTTL           = 5 * time.Minute
	codeSendInterval  = 60 * time.Second
	loginAttemptLimit = 5
	loginWindow       = time.Minute
	minPasswordLen    = 6
)

// AuthService 登录、注册、短信验证码、手机号绑定
type AuthService interface {
	// 短信验证码
	SendCode(ctx context.Context, req SendCodeRequest) error

	// 登录 / 注册
	RegisterPhone(ctx context.Context, req RegisterPhoneRequest) (*LoginResponse, error)
	LoginPhone(ctx context.Context, req LoginPhoneRequest) (*LoginResponse, error)
	LoginSMS(ctx context.Context, req LoginSMSRequest) (*LoginResponse, error)
	LoginWechat(ctx context.Context, req LoginWechatRequest) (*LoginResponse, error)

	// BindPhone 手机号已属于另一账号时触发合并
	BindPhone(ctx context.Context, op authz.Principal, req BindPhoneRequest) (*LoginResponse, error)
	ResetPassword(ctx context.Context, req ResetPasswordRequest) error
	Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error)
}

type authService struct {
	users    repository.UsersRepository
	codes    repository.VerificationCodesRepository
	merger   MergeService
	sender   sms.Sender
	wechat   wechat.Exchanger
	issuer   *auth.Issuer
	hasher   *security.PhoneHasher
	limiter  *store.RateLimiter
	reserved domain.ReservedCommunities
	clock    Clock
	logger   *zap.Logger
}

// AuthDeps AuthService 依赖的外部协作方
type AuthDeps struct {
	Merger   MergeService
	Sender   sms.Sender
	Wechat   wechat.Exchanger
	Issuer   *auth.Issuer
	Hasher   *security.PhoneHasher
	Limiter  *store.RateLimiter
	Reserved domain.ReservedCommunities
}

// NewAuthService 创建 AuthService 实例
func NewAuthService(repos *repository.Repositories, deps AuthDeps, clock Clock, logger *zap.Logger) AuthService {
	return &authService{
		users:    repos.Users,
		codes:    repos.Codes,
		merger:   deps.Merger,
		sender:   deps.Sender,
		wechat:   deps.Wechat,
		issuer:   deps.Issuer,
		hasher:   deps.Hasher,
		limiter:  deps.Limiter,
		reserved: deps.Reserved,
		clock:    clock,
		logger:   logger,
	}
}

// SendCodeRequest 发送验证码请求；Purpose 为空按 register
type SendCodeRequest struct {
	Phone   string
	Purpose domain.VerificationPurpose
}

// RegisterPhoneRequest 手机号注册请求
type RegisterPhoneRequest struct {
	Phone    string
	Code     string
	Password string
	Nickname string
}

// LoginPhoneRequest 手机号 + 密码登录
type LoginPhoneRequest struct {
	Phone    string
	Password string
}

// LoginSMSRequest 手机号 + 验证码登录（账号不存在时自动注册）
type LoginSMSRequest struct {
	Phone string
	Code  string
}

// LoginWechatRequest 微信登录
type LoginWechatRequest struct {
	Code      string
	Nickname  string
	AvatarURL string
}

// BindPhoneRequest 绑定手机号
type BindPhoneRequest struct {
	Phone string
	Code  string
}

// ResetPasswordRequest 通过验证码重置密码
type ResetPasswordRequest struct {
	Phone       string
	Code        string
	NewPassword string
}

// LoginResponse 登录响应
type LoginResponse struct {
	User   UserDTO         `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
	Merged *MergeResult    `json:"merged,omitempty"`
}

// RefreshResponse 刷新令牌响应
type RefreshResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// phone 规范化并计算 hash
func (s *authService) phone(raw string) (e164, hash string, err error) {
	e164, err = security.NormalizePhone(raw)
	if err != nil {
		return "", "", err
	}
	return e164, s.hasher.Hash(e164), nil
}

func (s *authService) SendCode(ctx context.Context, req SendCodeRequest) error {
	if req.Purpose == "" {
		req.Purpose = domain.PurposeRegister
	}
	if !req.Purpose.Valid() {
		return apperr.InvalidArgument("unknown purpose %q", req.Purpose)
	}
	e164, hash, err := s.phone(req.Phone)
	if err != nil {
		return err
	}
	if req.Purpose == domain.PurposeRegister {
		if _, err := s.users.GetUserByPhoneHash(ctx, hash); err == nil {
			return apperr.Conflict(apperr.CodePhoneExists, "phone is already registered")
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up phone: %w", err)
		}
	}

	limitKey := "sms:" + string(req.Purpose) + ":" + hash
	ok, err := s.limiter.Once(ctx, limitKey, codeSendInterval)
	if err != nil {
		return apperr.Internal(err, "rate limiter unavailable")
	}
	if !ok {
		return apperr.RateLimited("one code per %s", codeSendInterval)
	}

	code, err := security.NewCode()
	if err != nil {
		return apperr.Internal(err, "failed to generate code")
	}
	salt, err := security.NewSalt()
	if err != nil {
		return apperr.Internal(err, "failed to generate salt")
	}
	now := s.clock.Now()
	if err := s.codes.ReplaceCode(ctx, &domain.VerificationCode{
		PhoneHash:  hash,
		Purpose:    req.Purpose,
		CodeHash:   security.HashCode(code, salt),
		Salt:       salt,
		ExpiresAt:  now.Add(codeTTL),
		LastSentAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}

	if err := s.sender.SendCode(ctx, e164, code, string(req.Purpose)); err != nil {
		s.logger.Error("SendCode failed", zap.String("phone", security.MaskPhone(e164)), zap.Error(err))
		// 发送失败允许立即重试
		if rerr := s.limiter.Reset(ctx, limitKey); rerr != nil {
			s.logger.Warn("Failed to reset sms limiter", zap.Error(rerr))
		}
		return apperr.Internal(err, "failed to send code")
	}
	s.logger.Info("Verification code sent", zap.String("phone", security.MaskPhone(e164)), zap.String("purpose", string(req.Purpose)))
	return nil
}

// verifyCode 校验并消费验证码；错误码 INVALID_CODE
func (s *authService) verifyCode(ctx context.Context, hash string, purpose domain.VerificationPurpose, code string) error {
	if err := s.allowAttempt(ctx, "verify:"+string(purpose)+":"+hash); err != nil {
		return err
	}
	invalid := apperr.InvalidArgument("invalid or expired code").WithCode(apperr.CodeInvalidCode)
	vc, err := s.codes.GetLiveCode(ctx, hash, purpose, s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid
		}
		return fmt.Errorf("failed to load code: %w", err)
	}
	if !security.VerifyCode(strings.TrimSpace(code), vc.CodeHash, vc.Salt) {
		return invalid
	}
	if err := s.codes.MarkCodeUsed(ctx, vc.CodeID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid
		}
		return fmt.Errorf("failed to consume code: %w", err)
	}
	return nil
}

// allowAttempt 登录 / 验证码校验每分钟最多 5 次
func (s *authService) allowAttempt(ctx context.Context, key string) error {
	ok, err := s.limiter.Allow(ctx, key, loginAttemptLimit, loginWindow)
	if err != nil {
		return apperr.Internal(err, "rate limiter unavailable")
	}
	if !ok {
		return apperr.RateLimited("too many attempts, retry later")
	}
	return nil
}

func (s *authService) respond(u *domain.User, merged *MergeResult) (*LoginResponse, error) {
	tokens, err := s.issuer.Issue(u.UserID, u.Role)
	if err != nil {
		return nil, apperr.Internal(err, "failed to issue tokens")
	}
	return &LoginResponse{User: *userDTO(u), Tokens: tokens, Merged: merged}, nil
}

// newUser 新用户默认加入默认社区
func (s *authService) newUser(nickname string) *domain.User {
	now := s.clock.Now()
	cid := s.reserved.DefaultID
	return &domain.User{
		Nickname:          nickname,
		Role:              domain.RoleRegular,
		Status:            domain.UserActive,
		CommunityID:       &cid,
		CommunityJoinedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func defaultNickname(e164 string) string {
	if len(e164) >= 4 {
		return "用户" + e164[len(e164)-4:]
	}
	return "用户"
}

func (s *authService) RegisterPhone(ctx context.Context, req RegisterPhoneRequest) (*LoginResponse, error) {
	e164, hash, err := s.phone(req.Phone)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLen {
		return nil, apperr.InvalidArgument("password must be at least %d characters", minPasswordLen)
	}
	if _, err := s.users.GetUserByPhoneHash(ctx, hash); err == nil {
		return nil, apperr.Conflict(apperr.CodePhoneExists, "phone is already registered")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up phone: %w", err)
	}
	if err := s.verifyCode(ctx, hash, domain.PurposeRegister, req.Code); err != nil {
		return nil, err
	}

	pwHash, pwSalt, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, apperr.Internal(err, "failed to hash password")
	}
	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" {
		nickname = defaultNickname(e164)
	}
	masked := security.MaskPhone(e164)
	u := s.newUser(nickname)
	u.PhoneHash = &hash
	u.PhoneMasked = &masked
	u.PasswordHash = &pwHash
	u.PasswordSalt = &pwSalt

	id, err := s.users.CreateUser(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodePhoneExists, "phone is already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u.UserID = id
	s.logger.Info("User registered", zap.Int64("user_id", id), zap.String("phone", masked))
	return s.respond(u, nil)
}

func (s *authService) LoginPhone(ctx context.Context, req LoginPhoneRequest) (*LoginResponse, error) {
	_, hash, err := s.phone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := s.allowAttempt(ctx, "login:"+hash); err != nil {
		return nil, err
	}
	u, err := s.users.GetUserByPhoneHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid phone or password")
		}
		return nil, fmt.Errorf("failed to look up phone: %w", err)
	}
	if !u.Active() || u.PasswordHash == nil || u.PasswordSalt == nil ||
		!security.VerifyPassword(req.Password, *u.PasswordHash, *u.PasswordSalt) {
		s.logger.Warn("Password login failed", zap.Int64("user_id", u.UserID))
		return nil, apperr.Unauthenticated("invalid phone or password")
	}
	return s.respond(u, nil)
}

func (s *authService) LoginSMS(ctx context.Context, req LoginSMSRequest) (*LoginResponse, error) {
	e164, hash, err := s.phone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := s.verifyCode(ctx, hash, domain.PurposeLogin, req.Code); err != nil {
		return nil, err
	}

	u, err := s.users.GetUserByPhoneHash(ctx, hash)
	switch {
	case err == nil:
		if !u.Active() {
			return nil, apperr.Unauthenticated("account is disabled")
		}
		return s.respond(u, nil)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to look up phone: %w", err)
	}

	masked := security.MaskPhone(e164)
	u = s.newUser(defaultNickname(e164))
	u.PhoneHash = &hash
	u.PhoneMasked = &masked
	id, err := s.users.CreateUser(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u.UserID = id
	s.logger.Info("User registered via sms login", zap.Int64("user_id", id), zap.String("phone", masked))
	return s.respond(u, nil)
}

func (s *authService) LoginWechat(ctx context.Context, req LoginWechatRequest) (*LoginResponse, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperr.InvalidArgument("code is required")
	}
	openid, err := s.wechat.Exchange(ctx, req.Code)
	if err != nil {
		s.logger.Warn("Wechat code exchange failed", zap.Error(err))
		return nil, apperr.Unauthenticated("wechat login failed")
	}

	u, err := s.users.GetUserByWechatID(ctx, openid)
	switch {
	case err == nil:
		if !u.Active() {
			return nil, apperr.Unauthenticated("account is disabled")
		}
		return s.respond(u, nil)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to look up wechat user: %w", err)
	}

	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" {
		nickname = "微信用户"
	}
	u = s.newUser(nickname)
	u.AvatarURL = req.AvatarURL
	u.WechatExternalID = &openid
	id, err := s.users.CreateUser(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u.UserID = id
	s.logger.Info("User registered via wechat", zap.Int64("user_id", id))
	return s.respond(u, nil)
}

// BindPhone 手机号未被占用时直接绑定；属于另一账号时两账号合并，返回主账号的令牌
func (s *authService) BindPhone(ctx context.Context, op authz.Principal, req BindPhoneRequest) (*LoginResponse, error) {
	e164, hash, err := s.phone(req.Phone)
	if err != nil {
		return nil, err
	}
	me, err := activeUser(ctx, s.users, op.UserID)
	if err != nil {
		return nil, err
	}
	if me.PhoneHash != nil && *me.PhoneHash == hash {
		return s.respond(me, nil)
	}
	if me.PhoneHash != nil {
		return nil, apperr.Precondition(apperr.CodeInvalidState, "account already has a phone bound")
	}
	if err := s.verifyCode(ctx, hash, domain.PurposeBind, req.Code); err != nil {
		return nil, err
	}

	other, err := s.users.GetUserByPhoneHash(ctx, hash)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if err := s.users.SetPhone(ctx, me.UserID, hash, security.MaskPhone(e164)); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, apperr.Conflict(apperr.CodePhoneExists, "phone is bound to another account")
			}
			return nil, fmt.Errorf("failed to bind phone: %w", err)
		}
		u, err := s.users.GetUser(ctx, me.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload user: %w", err)
		}
		return s.respond(u, nil)
	case err != nil:
		return nil, fmt.Errorf("failed to look up phone: %w", err)
	}

	result, err := s.merger.Merge(ctx, MergeRequest{
		UserA:      me.UserID,
		UserB:      other.UserID,
		OperatorID: op.UserID,
		Reason:     "bind_phone",
	})
	if err != nil {
		return nil, err
	}
	primary, err := s.users.GetUser(ctx, result.PrimaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload primary user: %w", err)
	}
	return s.respond(primary, result)
}

func (s *authService) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	_, hash, err := s.phone(req.Phone)
	if err != nil {
		return err
	}
	if len(req.NewPassword) < minPasswordLen {
		return apperr.InvalidArgument("password must be at least %d characters", minPasswordLen)
	}
	if err := s.verifyCode(ctx, hash, domain.PurposeReset, req.Code); err != nil {
		return err
	}
	u, err := s.users.GetUserByPhoneHash(ctx, hash)
	if err != nil {
		return notFoundAs(err, apperr.CodeNoSuchUser, "no account for this phone")
	}
	pwHash, pwSalt, err := security.HashPassword(req.NewPassword)
	if err != nil {
		return apperr.Internal(err, "failed to hash password")
	}
	if err := s.users.SetPassword(ctx, u.UserID, pwHash, pwSalt); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	s.logger.Info("Password reset", zap.Int64("user_id", u.UserID))
	return nil
}

// Refresh 使用当前角色签发新的 access token
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	claims, err := s.issuer.Parse(refreshToken, auth.TokenRefresh)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid refresh token")
	}
	u, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil || !u.Active() {
		return nil, apperr.Unauthenticated("account is not available")
	}
	token, exp, err := s.issuer.IssueAccess(u.UserID, u.Role)
	if err != nil {
		return nil, apperr.Internal(err, "failed to issue token")
	}
	return &RefreshResponse{AccessToken: token, ExpiresAt: exp}, nil
}
