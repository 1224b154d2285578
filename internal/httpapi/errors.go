package httpapi

import (
	"encoding/json"
	"net/http"

	"ragpilot/internal/apperr"

	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusForKind maps an error Kind to the HTTP status code the wire
// contract commits to. Kinds not covered here (degraded-success, which is
// not an error) fall through to 500.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindDeadline:
		return http.StatusGatewayTimeout
	case apperr.KindOverload:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("httpapi_encode_failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	status := statusForKind(kind)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	log.Warn().Str("code", code).Int("status", status).Err(err).Msg("httpapi_request_failed")
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: err.Error()}})
}

func writeValidationError(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{Code: "validation_error", Message: field + ": " + message}})
}
