package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// GetTask возвращает экземпляр по ID.
// GET /api/v1/tasks/{taskId}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.GetByID(r.Context(), r.PathValue("taskId"))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(*inst))
}

// RegisterChildren регистрирует детей RUNNING-экземпляра.
// POST /api/v1/tasks/{taskId}/children
func (h *Handler) RegisterChildren(w http.ResponseWriter, r *http.Request) {
	var req RegisterChildrenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	children, err := h.commands.RegisterChildren(r.Context(), r.PathValue("taskId"), req.Children)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, tasksFromDomain(children))
}

// ResumeTask отправляет RESUME исполнителю припаркованной задачи.
// POST /api/v1/tasks/{taskId}/resume
func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	var req ResumeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	taskID := r.PathValue("taskId")
	address, err := h.commands.ResumeTask(r.Context(), taskID, req.Params)
	if HandleError(w, h.logger, err) {
		return
	}

	Accepted(w, ResumeTaskResponse{TaskID: taskID, Address: address})
}
