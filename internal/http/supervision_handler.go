package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"checkin-core/internal/schedule"
	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// SupervisionHandler 监护关系、记录查看与导出
type SupervisionHandler struct {
	supervisionService service.SupervisionService
	clock              service.Clock
	loc                *time.Location
	logger             *zap.Logger
}

func NewSupervisionHandler(svc service.SupervisionService, clock service.Clock, loc *time.Location, logger *zap.Logger) *SupervisionHandler {
	return &SupervisionHandler{supervisionService: svc, clock: clock, loc: loc, logger: logger}
}

// Invite POST /supervision/invite
func (h *SupervisionHandler) Invite(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		SupervisorUserID int64  `json:"supervisor_user_id"`
		RuleID           *int64 `json:"rule_id"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.SupervisorUserID <= 0 {
		badRequest(w, "supervisor_user_id is required")
		return
	}
	rel, err := h.supervisionService.Invite(r.Context(), op, service.InviteRequest{
		SupervisorUserID: b.SupervisorUserID,
		RuleID:           b.RuleID,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rel))
}

// Accept POST /supervision/accept
func (h *SupervisionHandler) Accept(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b struct {
		Token string `json:"token"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.Token == "" {
		badRequest(w, "token is required")
		return
	}
	rel, err := h.supervisionService.AcceptInvite(r.Context(), op, b.Token)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rel))
}

type relationBody struct {
	RelationID int64 `json:"relation_id"`
	Accept     bool  `json:"accept"`
}

// Respond POST /supervision/respond
func (h *SupervisionHandler) Respond(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b relationBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.RelationID <= 0 {
		badRequest(w, "relation_id is required")
		return
	}
	rel, err := h.supervisionService.Respond(r.Context(), op, b.RelationID, b.Accept)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rel))
}

// Revoke POST /supervision/revoke
func (h *SupervisionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	var b relationBody
	if err := readBodyJSON(r, maxBodyBytes, &b); err != nil || b.RelationID <= 0 {
		badRequest(w, "relation_id is required")
		return
	}
	rel, err := h.supervisionService.Revoke(r.Context(), op, b.RelationID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rel))
}

// Supervisors GET /supervision/supervisors：我的监护人
func (h *SupervisionHandler) Supervisors(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	items, err := h.supervisionService.ListSupervisors(r.Context(), op)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items}))
}

// Supervised GET /supervision/supervised：我监护的人
func (h *SupervisionHandler) Supervised(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	items, err := h.supervisionService.ListSupervised(r.Context(), op)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items}))
}

// recordsRequest solo_user_id 必填；from / to 缺省为最近 7 天
func (h *SupervisionHandler) recordsRequest(r *http.Request) (service.ViewableRecordsRequest, error) {
	var req service.ViewableRecordsRequest
	solo, err := queryInt64(r, "solo_user_id")
	if err != nil {
		return req, err
	}
	from, err := queryDate(r, "from")
	if err != nil {
		return req, err
	}
	to, err := queryDate(r, "to")
	if err != nil {
		return req, err
	}
	req.SoloUserID = solo
	req.To = schedule.DateOf(h.clock.Now(), h.loc)
	if to != nil {
		req.To = *to
	}
	req.From = req.To.AddDays(-6)
	if from != nil {
		req.From = *from
	}
	return req, nil
}

// Records GET /supervision/records?solo_user_id=&from=&to=
func (h *SupervisionHandler) Records(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	req, err := h.recordsRequest(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	records, err := h.supervisionService.ViewableRecords(r.Context(), op, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": records}))
}

// ExportRecords GET /supervision/records/export：与 Records 相同的权限与过滤，输出 xlsx
func (h *SupervisionHandler) ExportRecords(w http.ResponseWriter, r *http.Request) {
	op, _ := principalFrom(r.Context())
	req, err := h.recordsRequest(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	records, err := h.supervisionService.ViewableRecords(r.Context(), op, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	data, err := GenerateRecordsExport(records, h.loc)
	if err != nil {
		h.logger.Error("GenerateRecordsExport failed", zap.Int64("solo_user_id", req.SoloUserID), zap.Error(err))
		writeError(w, r, h.logger, err)
		return
	}

	filename := fmt.Sprintf("checkin-records-%d-%s-%s.xlsx", req.SoloUserID, req.From, req.To)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
