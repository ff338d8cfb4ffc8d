package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

// ErrorResponse wraps a typed error for the wire.
type ErrorResponse struct {
	Error *service.AppError `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps an error kind onto an HTTP status.
func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindNetwork, service.KindLLM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes it as a typed error response.
func writeError(w http.ResponseWriter, ctx context.Context, err error) {
	logger := contextutil.LoggerFromContext(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		err = service.NewAppError(service.KindNotFound, err.Error(), err)
	}
	app := service.Classify(err)
	if statusForKind(app.Kind) >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "command failed", "kind", app.Kind, "error", err)
	} else {
		logger.WarnContext(ctx, "command rejected", "kind", app.Kind, "error", err)
	}
	writeJSON(w, statusForKind(app.Kind), ErrorResponse{Error: app})
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return service.NewAppError(service.KindValidation, "invalid request body", err)
	}
	return nil
}
