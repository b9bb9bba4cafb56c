package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/codeck/daemon/internal/apperr"
)

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeAppErr(w, apperr.New(apperr.Validation, "q is required"))
		return
	}

	var scope []string
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope = strings.Split(raw, ",")
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.index.Query(r.Context(), query, scope, limit)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
