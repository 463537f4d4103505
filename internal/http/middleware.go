package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/auth"
	"checkin-core/internal/authz"
	"checkin-core/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxPrincipal
)

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// principalFrom 认证中间件写入的调用者
func principalFrom(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(authz.Principal)
	return p, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLog 生成 request id 并记录访问日志
func AccessLog(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxRequestID, reqID)))

		logger.Info("HTTP request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Authenticator 校验 Bearer access token，并按当前账号状态确认调用者
type Authenticator struct {
	issuer *auth.Issuer
	users  repository.UsersRepository
	logger *zap.Logger
}

func NewAuthenticator(issuer *auth.Issuer, users repository.UsersRepository, logger *zap.Logger) *Authenticator {
	return &Authenticator{issuer: issuer, users: users, logger: logger}
}

func (a *Authenticator) principal(r *http.Request) (authz.Principal, bool, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return authz.Principal{}, false, nil
	}
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return authz.Principal{}, false, apperr.Unauthenticated("malformed authorization header")
	}
	claims, err := a.issuer.Parse(tok, auth.TokenAccess)
	if err != nil {
		return authz.Principal{}, false, apperr.Unauthenticated("invalid or expired token")
	}
	// 已停用或被合并的账号立即失效；角色以库中为准
	u, err := a.users.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return authz.Principal{}, false, apperr.Unauthenticated("account is not available")
		}
		return authz.Principal{}, false, apperr.Internal(err, "failed to load user")
	}
	if !u.Active() {
		return authz.Principal{}, false, apperr.Unauthenticated("account is not available")
	}
	return authz.Principal{UserID: u.UserID, Role: u.Role}, true, nil
}

// Required 未登录返回 401
func (a *Authenticator) Required(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := a.principal(r)
		if err == nil && !ok {
			err = apperr.Unauthenticated("login required")
		}
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	}
}

// Optional 有合法 token 时写入调用者，无 token 时匿名放行
func (a *Authenticator) Optional(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := a.principal(r)
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		if ok {
			r = r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p))
		}
		next(w, r)
	}
}
