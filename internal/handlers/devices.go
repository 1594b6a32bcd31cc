package handlers

import (
	"net/http"
	"strings"
)

// ListDevices 设备列表，可按 protocol 过滤
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	protocol := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("protocol")))
	devices, err := h.records.ListDevices(r.Context(), protocol)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, Paginate(devices, GetPagination(r, 20)))
}

// GetDevice 设备档案
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.records.GetDevice(r.Context(), pathID(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, device)
}

// DeviceTelemetry 最近的遥测
func (h *Handler) DeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := h.records.GetDevice(r.Context(), id); err != nil {
		WriteAppError(w, err)
		return
	}
	items, err := h.records.RecentTelemetry(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, items)
}

// DeviceCommands 设备最近的命令（审计）
func (h *Handler) DeviceCommands(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := h.records.GetDevice(r.Context(), id); err != nil {
		WriteAppError(w, err)
		return
	}
	items, err := h.records.ListDeviceCommands(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, items)
}
