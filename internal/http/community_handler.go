package httpapi

import (
	"net/http"

	"checkin-core/internal/domain"
	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// CommunityHandler 社区、成员、工作人员
type CommunityHandler struct {
	communityService service.CommunityService
	logger           *zap.Logger
}

func NewCommunityHandler(svc service.CommunityService, logger *zap.Logger) *CommunityHandler {
	return &CommunityHandler{communityService: svc, logger: logger}
}

type communityBody struct {
	CommunityID int64    `json:"community_id"`
	Name        *string  `json:"name"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Enabled     *bool    `json:"enabled"`
	UserID      int64    `json:"user_id"`
	UserIDs     []int64  `json:"user_ids"`
	Role        string   `json:"role"`
}

func (h *CommunityHandler) body(w http.ResponseWriter, r *http.Request, needCommunity bool) (*communityBody, bool) {
	var b communityBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
		return nil, false
	}
	if needCommunity && b.CommunityID <= 0 {
		badRequest(w, "community_id is required")
		return nil, false
	}
	return &b, true
}

// Create POST /community/create
func (h *CommunityHandler) Create(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, false)
	if !ok {
		return
	}
	req := service.CreateCommunityRequest{Latitude: b.Latitude, Longitude: b.Longitude}
	if b.Name != nil {
		req.Name = *b.Name
	}
	c, err := h.communityService.CreateCommunity(r.Context(), op, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(c))
}

// Update POST /community/update
func (h *CommunityHandler) Update(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	c, err := h.communityService.UpdateCommunity(r.Context(), op, service.UpdateCommunityRequest{
		CommunityID: b.CommunityID,
		Name:        b.Name,
		Latitude:    b.Latitude,
		Longitude:   b.Longitude,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(c))
}

// ToggleStatus POST /community/toggle-status
func (h *CommunityHandler) ToggleStatus(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	if b.Enabled == nil {
		badRequest(w, "enabled is required")
		return
	}
	c, err := h.communityService.ToggleStatus(r.Context(), op, b.CommunityID, *b.Enabled)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(c))
}

// Delete POST /community/delete：成员移入默认社区
func (h *CommunityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	if err := h.communityService.DeleteCommunity(r.Context(), op, b.CommunityID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"community_id": b.CommunityID, "deleted": true}))
}

// List GET /community/list?keyword=&status=&page=&size=
func (h *CommunityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListCommunitiesRequest{
		Keyword: q.Get("keyword"),
		Page:    parseInt(q.Get("page"), 1),
		Size:    parseInt(q.Get("size"), 20),
	}
	if raw := q.Get("status"); raw != "" {
		st := domain.CommunityStatus(parseInt(raw, 0))
		req.Status = &st
	}
	resp, err := h.communityService.ListCommunities(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// AddUsers POST /community/add-users（批量，逐条返回结果）
func (h *CommunityHandler) AddUsers(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	results, err := h.communityService.AddUsers(r.Context(), op, b.CommunityID, b.UserIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"results": results}))
}

// RemoveUser POST /community/remove-user
func (h *CommunityHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	u, err := h.communityService.RemoveUser(r.Context(), op, b.CommunityID, b.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(u))
}

// Users GET /community/users?community_id=&keyword=&page=&size=
func (h *CommunityHandler) Users(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	cid, err := queryInt64(r, "community_id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	resp, err := h.communityService.ListUsers(r.Context(), op, service.ListCommunityUsersRequest{
		CommunityID: cid,
		Keyword:     q.Get("keyword"),
		Page:        parseInt(q.Get("page"), 1),
		Size:        parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// SearchUsers GET /users/search?keyword=&phone=&community_id=
func (h *CommunityHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	cid, err := queryInt64Ptr(r, "community_id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	resp, err := h.communityService.SearchUsers(r.Context(), op, service.SearchUsersRequest{
		Keyword:     q.Get("keyword"),
		Phone:       q.Get("phone"),
		CommunityID: cid,
		Page:        parseInt(q.Get("page"), 1),
		Size:        parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// AddStaff POST /community/add-staff
func (h *CommunityHandler) AddStaff(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	role := domain.StaffRole(b.Role)
	if role == "" {
		role = domain.StaffMember
	}
	results, err := h.communityService.AddStaff(r.Context(), op, b.CommunityID, b.UserIDs, role)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"results": results}))
}

// RemoveStaff POST /community/remove-staff
func (h *CommunityHandler) RemoveStaff(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	b, ok := h.body(w, r, true)
	if !ok {
		return
	}
	if err := h.communityService.RemoveStaff(r.Context(), op, b.CommunityID, b.UserID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"community_id": b.CommunityID, "user_id": b.UserID}))
}

// ListStaff GET /community/staff/list?community_id=
func (h *CommunityHandler) ListStaff(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	cid, err := queryInt64(r, "community_id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	staff, err := h.communityService.ListStaff(r.Context(), op, cid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": staff}))
}
