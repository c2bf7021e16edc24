package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"agentcal/internal/apperr"
)

const (
	codeUnauthorized apperr.Code = "UNAUTHORIZED"
	codeRateLimited  apperr.Code = "RATE_LIMITED"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code apperr.Code, msg string) {
	writeJSON(w, status, errorBody{Error: errorPayload{Code: code, Message: msg}})
}

// writeError maps a typed outcome to its status code and wire body.
// Internal errors are logged and reported without their cause.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	code := apperr.CodeOf(err)
	payload := errorPayload{Code: code, Message: err.Error(), Details: details(err)}
	if code == apperr.CodeInternal {
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		payload.Message = "internal error"
		payload.Details = nil
	}
	writeJSON(w, statusFor(code), errorBody{Error: payload})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeNoAvailability, apperr.CodeConcurrency:
		return http.StatusConflict
	case apperr.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func details(err error) any {
	var (
		validation *apperr.ValidationError
		conflict   *apperr.ConflictError
		noAvail    *apperr.NoAvailabilityError
		concurrent *apperr.ConcurrencyError
		transition *apperr.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validation):
		return map[string]any{"fields": validation.Fields}
	case errors.As(err, &conflict):
		return map[string]any{"conflicts": conflict.Conflicts, "suggestions": conflict.Suggestions}
	case errors.As(err, &noAvail):
		return map[string]any{"agentId": noAvail.AgentID, "nearestDates": noAvail.NearestDates}
	case errors.As(err, &concurrent):
		return map[string]any{"id": concurrent.ID, "expectedVersion": concurrent.Expected, "currentVersion": concurrent.Actual}
	case errors.As(err, &transition):
		return map[string]any{"from": transition.From, "to": transition.To}
	}
	return nil
}

// decodeJSON reads exactly one JSON value into dst. Unknown fields and
// oversized bodies are validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Invalid("body", "must not exceed %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return apperr.Invalid("body", "is required")
		default:
			return apperr.Invalid("body", "%v", err)
		}
	}
	if dec.More() {
		return apperr.Invalid("body", "must contain a single JSON value")
	}
	return nil
}
