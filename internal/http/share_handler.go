package httpapi

import (
	"net/http"
	"time"

	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// ShareHandler 打卡分享链接
type ShareHandler struct {
	shareService service.ShareService
	logger       *zap.Logger
}

func NewShareHandler(svc service.ShareService, logger *zap.Logger) *ShareHandler {
	return &ShareHandler{shareService: svc, logger: logger}
}

// Create POST /share/checkin/create；ttl_hours 缺省使用默认有效期
func (h *ShareHandler) Create(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		RuleID   int64 `json:"rule_id"`
		TTLHours int   `json:"ttl_hours"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.RuleID <= 0 {
		badRequest(w, "rule_id is required")
		return
	}
	if b.TTLHours < 0 {
		badRequest(w, "ttl_hours must be positive")
		return
	}
	link, err := h.shareService.CreateShareLink(r.Context(), op, service.CreateShareLinkRequest{
		RuleID: b.RuleID,
		TTL:    time.Duration(b.TTLHours) * time.Hour,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(link))
}

// Resolve GET /share/checkin/resolve?token=（登录可选）
func (h *ShareHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	req := service.ResolveShareLinkRequest{
		Token:     r.URL.Query().Get("token"),
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	}
	if op, ok := principalFrom(r.Context()); ok {
		req.Caller = &op
	}
	view, err := h.shareService.ResolveShareLink(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}
