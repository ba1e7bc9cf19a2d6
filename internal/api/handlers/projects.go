package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/shipyard/internal/deploy"
)

// ProjectHandler handles project HTTP requests.
type ProjectHandler struct {
	service *deploy.Service
	logger  *slog.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(svc *deploy.Service, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{
		service: svc,
		logger:  logger,
	}
}

// CreateProjectRequest is the body of POST /project.
type CreateProjectRequest struct {
	Name   string `json:"name"`
	GitURL string `json:"gitURL"`
}

// Create handles POST /project.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}

	project, err := h.service.CreateProject(r.Context(), deploy.CreateProjectInput{
		Name:   req.Name,
		GitURL: req.GitURL,
	})
	if err != nil {
		writeError(w, r, h.logger, err, "Project not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"project": project},
	})
}

// Get handles GET /projects/{projectID}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, err := h.service.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, h.logger, err, "Project not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"project": project},
	})
}

// ListDeployments handles GET /projects/{projectID}/deployments.
func (h *ProjectHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListDeployments(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, h.logger, err, "Project not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"deployments": list},
	})
}
