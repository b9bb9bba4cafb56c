package server

import (
	"encoding/json"
	"net/http"

	"github.com/codeck/daemon/internal/apperr"
)

// resolveScope turns a request's scope/cwd query params into a memory
// scope key: an explicit "scope" wins, otherwise "cwd" is resolved to its
// pathId, defaulting to the global scope when neither is present.
func (s *Server) resolveScope(r *http.Request) (string, error) {
	if scope := r.URL.Query().Get("scope"); scope != "" {
		return scope, nil
	}
	if cwd := r.URL.Query().Get("cwd"); cwd != "" {
		return s.memory.ResolvePath(cwd)
	}
	return "", nil
}

func (s *Server) handleMemoryTree(w http.ResponseWriter, r *http.Request) {
	scope, err := s.resolveScope(r)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	entries, err := s.memory.Tree(scope)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMemoryFile(w http.ResponseWriter, r *http.Request) {
	scope, err := s.resolveScope(r)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeAppErr(w, apperr.New(apperr.Validation, "path is required"))
		return
	}
	b, err := s.memory.ReadFile(scope, path)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleMemoryFlush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope string `json:"scope"`
		Cwd   string `json:"cwd"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppErr(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}

	scope := body.Scope
	if scope == "" && body.Cwd != "" {
		resolved, err := s.memory.ResolvePath(body.Cwd)
		if err != nil {
			writeAppErr(w, err)
			return
		}
		scope = resolved
	}

	if err := s.memory.Flush(scope, body.Note); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
