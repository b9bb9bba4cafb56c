package server

import (
	"encoding/json"
	"net/http"

	"github.com/codeck/daemon/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppErr translates a tagged apperr.Error into the documented HTTP
// status and body shape. Untagged errors default to 500.
func writeAppErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := httpStatusForKind(kind)

	body := map[string]any{"error": err.Error()}
	if hint := apperr.HintOf(err); hint != "" {
		body["hint"] = hint
	}
	if kind == apperr.Unauthorized {
		body["needsAuth"] = true
	}
	writeJSON(w, status, body)
}

func httpStatusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
