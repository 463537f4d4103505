package httpapi

import (
	"net/http"

	"checkin-core/internal/domain"
	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// AuthHandler 登录、注册、验证码
type AuthHandler struct {
	authService service.AuthService
	logger      *zap.Logger
}

// NewAuthHandler 创建认证 Handler
func NewAuthHandler(authService service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger}
}

type phoneCodeBody struct {
	Phone       string `json:"phone"`
	Code        string `json:"code"`
	Password    string `json:"password"`
	NewPassword string `json:"new_password"`
	Nickname    string `json:"nickname"`
	Purpose     string `json:"purpose"`
}

func (h *AuthHandler) body(w http.ResponseWriter, r *http.Request) (*phoneCodeBody, bool) {
	var b phoneCodeBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
		return nil, false
	}
	return &b, true
}

// SendCode POST /sms/send_code
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	err := h.authService.SendCode(r.Context(), service.SendCodeRequest{
		Phone:   b.Phone,
		Purpose: domain.VerificationPurpose(b.Purpose),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"sent": true}))
}

// RegisterPhone POST /auth/register_phone
func (h *AuthHandler) RegisterPhone(w http.ResponseWriter, r *http.Request) {
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	resp, err := h.authService.RegisterPhone(r.Context(), service.RegisterPhoneRequest{
		Phone:    b.Phone,
		Code:     b.Code,
		Password: b.Password,
		Nickname: b.Nickname,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// LoginPhone POST /auth/login_phone
func (h *AuthHandler) LoginPhone(w http.ResponseWriter, r *http.Request) {
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	resp, err := h.authService.LoginPhone(r.Context(), service.LoginPhoneRequest{Phone: b.Phone, Password: b.Password})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// LoginSMS POST /auth/login_sms
func (h *AuthHandler) LoginSMS(w http.ResponseWriter, r *http.Request) {
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	resp, err := h.authService.LoginSMS(r.Context(), service.LoginSMSRequest{Phone: b.Phone, Code: b.Code})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// LoginWechat POST /auth/login_wechat
func (h *AuthHandler) LoginWechat(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Code      string `json:"code"`
		Nickname  string `json:"nickname"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
		return
	}
	resp, err := h.authService.LoginWechat(r.Context(), service.LoginWechatRequest{
		Code:      b.Code,
		Nickname:  b.Nickname,
		AvatarURL: b.AvatarURL,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// BindPhone POST /auth/bind_phone（需要登录）
func (h *AuthHandler) BindPhone(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	resp, err := h.authService.BindPhone(r.Context(), op, service.BindPhoneRequest{Phone: b.Phone, Code: b.Code})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// ResetPassword POST /auth/reset_password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	b, ok := h.body(w, r)
	if !ok {
		return
	}
	err := h.authService.ResetPassword(r.Context(), service.ResetPasswordRequest{
		Phone:       b.Phone,
		Code:        b.Code,
		NewPassword: b.NewPassword,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"success": true}))
}

// Refresh POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var b struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
		return
	}
	resp, err := h.authService.Refresh(r.Context(), b.RefreshToken)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}
