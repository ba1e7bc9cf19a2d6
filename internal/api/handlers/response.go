// Package handlers implements the control plane HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/shipyard/internal/api/errors"
	"github.com/narvanalabs/shipyard/internal/deploy"
	"github.com/narvanalabs/shipyard/internal/store"
	"github.com/narvanalabs/shipyard/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeError classifies err into a 400, 404 or 500 response. Details of
// internal errors are logged and never returned.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, notFound string) {
	reqID := requestID(r)

	var verr *deploy.ValidationError
	switch {
	case errors.As(err, &verr):
		apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationErrorWithFields(apierrors.FieldErrors(verr.Fields)), reqID)
	case errors.Is(err, store.ErrNotFound):
		apierrors.WriteErrorWithRequestID(w, apierrors.NewNotFoundError(notFound), reqID)
	default:
		logger.Wrap(log).WithContext(r.Context()).WithError(err).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
		)
		apierrors.WriteErrorWithRequestID(w, apierrors.NewInternalError("Internal server error"), reqID)
	}
}

// writeBadRequest writes a 400 without field details.
func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), requestID(r))
}

func requestID(r *http.Request) string {
	if id := logger.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}
