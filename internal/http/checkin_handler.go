package httpapi

import (
	"net/http"

	"checkin-core/internal/domain"
	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// CheckinHandler 今日计划、打卡、个人规则
type CheckinHandler struct {
	planService    service.PlanService
	checkinService service.CheckinService
	ruleService    service.RuleService
	logger         *zap.Logger
}

// NewCheckinHandler 创建打卡 Handler
func NewCheckinHandler(plan service.PlanService, checkin service.CheckinService, rules service.RuleService, logger *zap.Logger) *CheckinHandler {
	return &CheckinHandler{
		planService:    plan,
		checkinService: checkin,
		ruleService:    rules,
		logger:         logger,
	}
}

// Today GET /checkin/today[?date=YYYY-MM-DD]
func (h *CheckinHandler) Today(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	date, err := queryDate(r, "date")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp, err := h.planService.TodayPlan(r.Context(), service.TodayPlanRequest{UserID: op.UserID, Date: date})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Perform POST /checkin
func (h *CheckinHandler) Perform(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		RuleID     int64  `json:"rule_id"`
		RuleSource string `json:"rule_source"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.RuleID <= 0 {
		badRequest(w, "rule_id is required")
		return
	}
	rec, err := h.checkinService.Perform(r.Context(), service.PerformRequest{
		UserID: op.UserID,
		RuleID: b.RuleID,
		Source: domain.SourceKind(b.RuleSource),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// Cancel POST /checkin/cancel
func (h *CheckinHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		RecordID int64 `json:"record_id"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.RecordID <= 0 {
		badRequest(w, "record_id is required")
		return
	}
	rec, err := h.checkinService.Cancel(r.Context(), service.CancelRequest{UserID: op.UserID, RecordID: b.RecordID})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// AllRules GET /checkin/rules/all：个人规则 + 社区规则（含映射状态）
func (h *CheckinHandler) AllRules(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	views, err := h.planService.AllUserRules(r.Context(), op.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": views}))
}

// ListRules GET /checkin/rules
func (h *CheckinHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	views, err := h.ruleService.ListRules(r.Context(), op.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": views}))
}

// ruleBody 创建 / 更新规则。更新时只要出现任一调度字段，整个调度被替换
type ruleBody struct {
	Name   *string `json:"name"`
	Icon   *string `json:"icon"`
	Status *int    `json:"status"`
	*service.ScheduleDTO
}

func (b *ruleBody) fields() (domain.RuleFields, error) {
	f := domain.RuleFields{Name: b.Name, Icon: b.Icon}
	if b.Status != nil {
		st := domain.RuleStatus(*b.Status)
		f.Status = &st
	}
	if b.ScheduleDTO != nil {
		s, err := b.ScheduleDTO.Schedule()
		if err != nil {
			return f, err
		}
		f.Schedule = &s
	}
	return f, nil
}

// CreateRule POST /checkin/rules
func (h *CheckinHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b ruleBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil {
		badRequest(w, "invalid body")
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
	req := service.CreateRuleRequest{UserID: op.UserID, Schedule: s}
	if b.Name != nil {
		req.Name = *b.Name
	}
	if b.Icon != nil {
		req.Icon = *b.Icon
	}
	view, err := h.ruleService.CreateRule(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// UpdateRule PUT /checkin/rules/{id}
func (h *CheckinHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
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
	view, err := h.ruleService.UpdateRule(r.Context(), service.UpdateRuleRequest{UserID: op.UserID, RuleID: id, Fields: fields})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// DeleteRule DELETE /checkin/rules/{id}
func (h *CheckinHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.ruleService.DeleteRule(r.Context(), op.UserID, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"rule_id": id, "deleted": true}))
}
