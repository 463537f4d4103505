package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径模式）
type Router struct {
	mux    *http.ServeMux
	auth   *Authenticator
	logger *zap.Logger
}

func NewRouter(auth *Authenticator, logger *zap.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		auth:   auth,
		logger: logger,
	}
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
	})
	return r
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// Authed 需要登录的路由
func (r *Router) Authed(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.auth.Required(h))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterAuthRoutes 登录、注册、短信验证码
func (r *Router) RegisterAuthRoutes(h *AuthHandler) {
	r.Handle("POST /sms/send_code", h.SendCode)
	r.Handle("POST /auth/register_phone", h.RegisterPhone)
	r.Handle("POST /auth/login_phone", h.LoginPhone)
	r.Handle("POST /auth/login_sms", h.LoginSMS)
	r.Handle("POST /auth/login_wechat", h.LoginWechat)
	r.Handle("POST /auth/reset_password", h.ResetPassword)
	r.Handle("POST /auth/refresh", h.Refresh)
	r.Authed("POST /auth/bind_phone", h.BindPhone)
}

// RegisterCheckinRoutes 今日计划、打卡、个人规则
func (r *Router) RegisterCheckinRoutes(h *CheckinHandler) {
	r.Authed("GET /checkin/today", h.Today)
	r.Authed("POST /checkin", h.Perform)
	r.Authed("POST /checkin/cancel", h.Cancel)

	r.Authed("GET /checkin/rules/all", h.AllRules)
	r.Authed("GET /checkin/rules", h.ListRules)
	r.Authed("POST /checkin/rules", h.CreateRule)
	r.Authed("PUT /checkin/rules/{id}", h.UpdateRule)
	r.Authed("DELETE /checkin/rules/{id}", h.DeleteRule)
}

// RegisterCommunityRuleRoutes 社区规则
func (r *Router) RegisterCommunityRuleRoutes(h *CommunityRuleHandler) {
	r.Authed("GET /community-checkin/rules", h.List)
	r.Authed("POST /community-checkin/rules", h.Create)
	r.Authed("PUT /community-checkin/rules/{id}", h.Update)
	r.Authed("DELETE /community-checkin/rules/{id}", h.Delete)
	r.Authed("POST /community-checkin/rules/{id}/enable", h.Enable)
	r.Authed("POST /community-checkin/rules/{id}/disable", h.Disable)
	r.Authed("POST /community-checkin/rules/{id}/mapping", h.Mapping)
}

// RegisterCommunityRoutes 社区、成员、工作人员
func (r *Router) RegisterCommunityRoutes(h *CommunityHandler) {
	r.Authed("POST /community/create", h.Create)
	r.Authed("POST /community/update", h.Update)
	r.Authed("POST /community/toggle-status", h.ToggleStatus)
	r.Authed("POST /community/delete", h.Delete)
	r.Authed("GET /community/list", h.List)

	r.Authed("POST /community/add-users", h.AddUsers)
	r.Authed("POST /community/remove-user", h.RemoveUser)
	r.Authed("GET /community/users", h.Users)
	r.Authed("GET /users/search", h.SearchUsers)

	r.Authed("POST /community/add-staff", h.AddStaff)
	r.Authed("POST /community/remove-staff", h.RemoveStaff)
	r.Authed("GET /community/staff/list", h.ListStaff)
}

// RegisterSupervisionRoutes 监护关系与记录
func (r *Router) RegisterSupervisionRoutes(h *SupervisionHandler) {
	r.Authed("POST /supervision/invite", h.Invite)
	r.Authed("POST /supervision/accept", h.Accept)
	r.Authed("POST /supervision/respond", h.Respond)
	r.Authed("POST /supervision/revoke", h.Revoke)
	r.Authed("GET /supervision/supervisors", h.Supervisors)
	r.Authed("GET /supervision/supervised", h.Supervised)
	r.Authed("GET /supervision/records", h.Records)
	r.Authed("GET /supervision/records/export", h.ExportRecords)
}

// RegisterShareRoutes 分享链接；resolve 允许匿名访问
func (r *Router) RegisterShareRoutes(h *ShareHandler) {
	r.Authed("POST /share/checkin/create", h.Create)
	r.Handle("GET /share/checkin/resolve", r.auth.Optional(h.Resolve))
}
