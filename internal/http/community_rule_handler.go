package httpapi

import (
	"context"
	"net/http"

	"checkin-core/internal/authz"
	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// CommunityRuleHandler 社区打卡规则
type CommunityRuleHandler struct {
	communityRuleService service.CommunityRuleService
	logger               *zap.Logger
}

func NewCommunityRuleHandler(svc service.CommunityRuleService, logger *zap.Logger) *CommunityRuleHandler {
	return &CommunityRuleHandler{communityRuleService: svc, logger: logger}
}

// List GET /community-checkin/rules?community_id=&include_disabled=
func (h *CommunityRuleHandler) List(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	cid, err := queryInt64(r, "community_id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	views, err := h.communityRuleService.ListRules(r.Context(), op, cid, queryBool(r, "include_disabled"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": views}))
}

// Create POST /community-checkin/rules
func (h *CommunityRuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		CommunityID int64 `json:"community_id"`
		ruleBody
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.CommunityID <= 0 {
		badRequest(w, "community_id is required")
		return
	}
	if b.ScheduleDTO == nil {
		b.ScheduleDTO = &service.ScheduleDTO{}
	}
	s, err := b.ScheduleDTO.Schedule()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req := service.CreateCommunityRuleRequest{CommunityID: b.CommunityID, Schedule: s}
	if b.Name != nil {
		req.Name = *b.Name
	}
	if b.Icon != nil {
		req.Icon = *b.Icon
	}
	view, err := h.communityRuleService.CreateRule(r.Context(), op, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// Update PUT /community-checkin/rules/{id}
func (h *CommunityRuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var b ruleBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
		return
	}
	fields, err := b.fields()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	fields.Status = nil
	view, err := h.communityRuleService.UpdateRule(r.Context(), op, service.UpdateCommunityRuleRequest{RuleID: id, Fields: fields})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// Delete DELETE /community-checkin/rules/{id}
func (h *CommunityRuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.communityRuleService.DeleteRule(r.Context(), op, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"rule_id": id, "deleted": true}))
}

// Enable POST /community-checkin/rules/{id}/enable
func (h *CommunityRuleHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.communityRuleService.EnableRule)
}

// Disable POST /community-checkin/rules/{id}/disable
func (h *CommunityRuleHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.communityRuleService.DisableRule)
}

func (h *CommunityRuleHandler) toggle(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, op authz.Principal, ruleID int64) (*service.RuleView, error)) {
	op, _ := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	view, err := fn(r.Context(), op, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// Mapping POST /community-checkin/rules/{id}/mapping
func (h *CommunityRuleHandler) Mapping(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var b struct {
		UserID   int64 `json:"user_id"`
		IsActive *bool `json:"is_active"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.UserID <= 0 || b.IsActive == nil {
		badRequest(w, "user_id and is_active are required")
		return
	}
	err = h.communityRuleService.SetMappingActive(r.Context(), op, service.SetMappingRequest{
		RuleID: id,
		UserID: b.UserID,
		Active: *b.IsActive,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"rule_id": id, "user_id": b.UserID, "is_active": *b.IsActive}))
}
