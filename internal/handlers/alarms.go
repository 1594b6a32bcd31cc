package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gonglijing/xunjiHub/internal/models"
)

type alarmActionRequest struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

// parseOptionalJSON 空请求体视为空对象
func parseOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := ParseJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ListAlarms 报警列表，可按 device_id 与 status 过滤
func (h *Handler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		alarms []*models.Alarm
		err    error
	)
	if deviceID := strings.TrimSpace(q.Get("device_id")); deviceID != "" {
		alarms, err = h.records.ListAlarmsByDevice(r.Context(), deviceID)
	} else {
		alarms, err = h.records.ListAlarms(r.Context())
	}
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if status := strings.ToUpper(strings.TrimSpace(q.Get("status"))); status != "" {
		filtered := make([]*models.Alarm, 0, len(alarms))
		for _, a := range alarms {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		alarms = filtered
	}
	WriteSuccess(w, Paginate(alarms, GetPagination(r, 20)))
}

// GetAlarm 报警详情
func (h *Handler) GetAlarm(w http.ResponseWriter, r *http.Request) {
	alarm, err := h.alarms.Get(r.Context(), pathID(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, alarm)
}

// AcknowledgeAlarm 确认报警
func (h *Handler) AcknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmActionRequest
	if err := parseOptionalJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = "operator"
	}
	alarm, err := h.alarms.Acknowledge(r.Context(), pathID(r), by)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, alarm)
}

// ResolveAlarm 解决报警，note 必填
func (h *Handler) ResolveAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmActionRequest
	if err := parseOptionalJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	alarm, err := h.alarms.Resolve(r.Context(), pathID(r), req.Note)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, alarm)
}

// ClearAlarm 手动清除报警
func (h *Handler) ClearAlarm(w http.ResponseWriter, r *http.Request) {
	alarm, err := h.alarms.Clear(r.Context(), pathID(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, alarm)
}
