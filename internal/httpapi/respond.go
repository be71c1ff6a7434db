package httpapi

import (
	"encoding/json"
	"net/http"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// errorEnvelope is the uniform error body: {"error":{"code","message"}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logging.Get(logging.CategoryAPI).Error("Response encode failed: %v", err)
		}
	}
}

// statusForKind maps error kinds to HTTP status codes.
func statusForKind(kind txerr.Kind) int {
	switch kind {
	case txerr.KindNotFound:
		return http.StatusNotFound
	case txerr.KindValidation, txerr.KindIllegalTransition,
		txerr.KindCircularDependency, txerr.KindHasChildren:
		return http.StatusBadRequest
	case txerr.KindAlreadyClaimed, txerr.KindStaleData:
		return http.StatusConflict
	case txerr.KindPoolAtCapacity, txerr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Internal errors are
// sanitized so storage details never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	kind := txerr.KindOf(err)
	status := statusForKind(kind)

	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Error("Internal error: %v", err)
		message = "Internal server error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: string(kind), Message: message}})
}

// writeValidation is shorthand for boundary-level input rejections.
func writeValidation(w http.ResponseWriter, format string, args ...interface{}) {
	writeError(w, txerr.Validation(format, args...))
}

// decodeBody strictly parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return txerr.Validation("malformed request body: %v", err)
	}
	return nil
}
