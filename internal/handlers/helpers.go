package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

// writeJSONResponse writes a JSON body with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// writeErrorResponse writes the uniform {"error": ...} body.
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]string{"error": message})
}

// writeError maps an engine error to its transport status. Validation and
// conflict errors carry their message; internal errors stay opaque.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var se *models.SchedError
	message := "Internal error"
	status := http.StatusInternalServerError

	if errors.As(err, &se) {
		switch se.Kind {
		case models.KindValidation:
			status = http.StatusBadRequest
		case models.KindUnauthorized:
			status = http.StatusUnauthorized
		case models.KindForbidden:
			status = http.StatusForbidden
		case models.KindNotFound:
			status = http.StatusNotFound
		case models.KindConflict:
			status = http.StatusConflict
		case models.KindInsufficientCredits:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
		if status != http.StatusInternalServerError {
			message = se.Message
			if se.Kind == models.KindInsufficientCredits {
				if required, ok := se.Details["required"]; ok {
					message = fmt.Sprintf("%s (required %v, available %v)",
						se.Message, required, se.Details["available"])
				}
			}
		}
	}

	if status == http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	writeErrorResponse(w, status, message)
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	return nil
}
