package handlers

import (
	"net/http"

	"github.com/gonglijing/xunjiHub/internal/command"
	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/models"
)

type submitResponse struct {
	ID     string               `json:"id"`
	Status models.CommandStatus `json:"status"`
}

// SubmitCommand 提交命令，返回首轮处理后的状态
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req command.SubmitRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	id, status, err := h.commands.Submit(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteAccepted(w, submitResponse{ID: id, Status: status})
}

// GetCommand 查询命令
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commands.Get(r.Context(), pathID(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, cmd)
}

// CancelCommand 取消命令；已开始发送的命令返回 409
func (h *Handler) CancelCommand(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := h.commands.Cancel(r.Context(), id); err != nil {
		if apperrors.Is(err, apperrors.ErrNotCancellable) {
			WriteJSON(w, http.StatusConflict, APIResponse{
				Success: false,
				Error:   err.Error(),
				Code:    int(apperrors.ErrCodeNotCancellable),
				Message: "further retries suppressed",
			})
			return
		}
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, submitResponse{ID: id, Status: models.CommandCancelled})
}
