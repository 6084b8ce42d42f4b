package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Traces
	mux.Handle("POST /api/v1/traces/start", chain(http.HandlerFunc(h.StartTrace)))
	mux.Handle("POST /api/v1/traces/{traceId}/cancel", chain(http.HandlerFunc(h.CancelTrace)))
	mux.Handle("POST /api/v1/traces/{traceId}/pause", chain(http.HandlerFunc(h.PauseTrace)))
	mux.Handle("POST /api/v1/traces/{traceId}/resume", chain(http.HandlerFunc(h.ResumeTrace)))
	mux.Handle("GET /api/v1/traces/{traceId}/tasks", chain(http.HandlerFunc(h.ListTraceTasks)))

	// Tasks
	mux.Handle("GET /api/v1/tasks/{taskId}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("POST /api/v1/tasks/{taskId}/children", chain(http.HandlerFunc(h.RegisterChildren)))
	mux.Handle("POST /api/v1/tasks/{taskId}/resume", chain(http.HandlerFunc(h.ResumeTask)))

	// Definitions
	mux.Handle("GET /api/v1/definitions", chain(http.HandlerFunc(h.ListDefinitions)))
	mux.Handle("POST /api/v1/definitions", chain(http.HandlerFunc(h.CreateDefinition)))
	mux.Handle("GET /api/v1/definitions/{id}", chain(http.HandlerFunc(h.GetDefinition)))
	mux.Handle("PUT /api/v1/definitions/{id}/active", chain(http.HandlerFunc(h.SetDefinitionActive)))
}
