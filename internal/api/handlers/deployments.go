package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/shipyard/internal/deploy"
	"github.com/narvanalabs/shipyard/internal/models"
)

// DeploymentHandler handles deployment HTTP requests.
type DeploymentHandler struct {
	service *deploy.Service
	logger  *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(svc *deploy.Service, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		service: svc,
		logger:  logger,
	}
}

// TriggerRequest is the body of POST /deploy.
type TriggerRequest struct {
	ProjectID string `json:"projectId"`
}

// Trigger handles POST /deploy. The build runs asynchronously; the response
// carries the deployment id to follow over /ws or /logs.
func (h *DeploymentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}

	res, err := h.service.TriggerDeploy(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, r, h.logger, err, "Project not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status": models.DeploymentStatusBuilding,
		"data":   res,
	})
}

// Get handles GET /deployments/{deploymentID}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetDeployment(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		writeError(w, r, h.logger, err, "Deployment not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"deployment": d},
	})
}
