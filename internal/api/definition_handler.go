package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

// ListDefinitions возвращает определения.
// GET /api/v1/definitions?schedule_type=...&active=true&limit=...&offset=...
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.DefinitionFilter{
		ScheduleType: domain.ScheduleType(query.Get("schedule_type")),
		ActiveOnly:   query.Get("active") == "true",
		Limit:        parseIntDefault(query.Get("limit"), 50),
		Offset:       parseIntDefault(query.Get("offset"), 0),
	}
	if filter.ScheduleType != "" && !filter.ScheduleType.IsValid() {
		BadRequest(w, "invalid schedule_type")
		return
	}

	defs, err := h.definitions.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, defs, len(defs))
}

// CreateDefinition создаёт определение.
// POST /api/v1/definitions
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req CreateDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	def, err := h.commands.CreateDefinition(r.Context(), req.ToDomain())
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, def)
}

// GetDefinition возвращает определение по ID.
// GET /api/v1/definitions/{id}
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDefinitionID(w, r)
	if !ok {
		return
	}

	def, err := h.definitions.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, def)
}

// SetDefinitionActive включает или выключает определение.
// PUT /api/v1/definitions/{id}/active
func (h *Handler) SetDefinitionActive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDefinitionID(w, r)
	if !ok {
		return
	}

	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		BadRequest(w, "is_active is required")
		return
	}

	if HandleError(w, h.logger, h.commands.SetDefinitionActive(r.Context(), id, *req.IsActive)) {
		return
	}

	def, err := h.definitions.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, def)
}

func parseDefinitionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid definition id")
		return uuid.Nil, false
	}
	return id, true
}

// parseIntDefault парсит строку в int с дефолтным значением.
func parseIntDefault(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
