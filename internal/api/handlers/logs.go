package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/shipyard/internal/deploy"
)

// LogHandler handles log retrieval.
type LogHandler struct {
	service *deploy.Service
	logger  *slog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(svc *deploy.Service, logger *slog.Logger) *LogHandler {
	return &LogHandler{
		service: svc,
		logger:  logger,
	}
}

// Get handles GET /logs/{deploymentID}?limit=N. Events come back ordered by
// timestamp. An unknown deployment yields an empty list.
func (h *LogHandler) Get(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.service.Logs(r.Context(), deploymentID, limit)
	if err != nil {
		writeError(w, r, h.logger, err, "Deployment not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
