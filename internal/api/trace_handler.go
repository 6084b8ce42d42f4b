package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

const defaultTaskListLimit = 500

// StartTrace запускает новый trace по определению.
// POST /api/v1/traces/start
func (h *Handler) StartTrace(w http.ResponseWriter, r *http.Request) {
	var req StartTraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.DefinitionID == uuid.Nil {
		BadRequest(w, "definitionId is required")
		return
	}

	traceID, err := h.commands.StartNewTrace(r.Context(), req.DefinitionID, req.Params)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, StartTraceResponse{TraceID: traceID})
}

// CancelTrace отменяет trace.
// POST /api/v1/traces/{traceId}/cancel
func (h *Handler) CancelTrace(w http.ResponseWriter, r *http.Request) {
	traceID, ok := parseTraceID(w, r)
	if !ok {
		return
	}

	n, err := h.commands.CancelTrace(r.Context(), traceID)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, CancelTraceResponse{
		TraceID:   traceID,
		Status:    string(domain.TaskStatusCancelled),
		Cancelled: n,
	})
}

// PauseTrace приостанавливает допуск новых экземпляров trace.
// POST /api/v1/traces/{traceId}/pause
func (h *Handler) PauseTrace(w http.ResponseWriter, r *http.Request) {
	traceID, ok := parseTraceID(w, r)
	if !ok {
		return
	}

	if HandleError(w, h.logger, h.commands.PauseTrace(r.Context(), traceID)) {
		return
	}

	Success(w, TraceSignalResponse{TraceID: traceID, Signal: string(domain.SignalPause)})
}

// ResumeTrace снимает паузу trace.
// POST /api/v1/traces/{traceId}/resume
func (h *Handler) ResumeTrace(w http.ResponseWriter, r *http.Request) {
	traceID, ok := parseTraceID(w, r)
	if !ok {
		return
	}

	n, err := h.commands.ResumeTrace(r.Context(), traceID)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TraceSignalResponse{TraceID: traceID, Signal: string(domain.SignalRun), Scheduled: n})
}

// ListTraceTasks возвращает экземпляры trace.
// GET /api/v1/traces/{traceId}/tasks?status=...&layer=...&limit=...
func (h *Handler) ListTraceTasks(w http.ResponseWriter, r *http.Request) {
	traceID, ok := parseTraceID(w, r)
	if !ok {
		return
	}

	filter := repo.InstanceFilter{TraceID: traceID, Limit: defaultTaskListLimit}
	query := r.URL.Query()

	if status := query.Get("status"); status != "" {
		filter.Status = domain.TaskStatus(status)
		if !filter.Status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
	}
	if layerStr := query.Get("layer"); layerStr != "" {
		layer, err := strconv.Atoi(layerStr)
		if err != nil || layer < 0 {
			BadRequest(w, "invalid layer")
			return
		}
		filter.Layer = &layer
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.instances.ListByTrace(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, tasksFromDomain(tasks), len(tasks))
}

func parseTraceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	traceID, err := uuid.Parse(r.PathValue("traceId"))
	if err != nil {
		BadRequest(w, "invalid trace id")
		return uuid.Nil, false
	}
	return traceID, true
}
