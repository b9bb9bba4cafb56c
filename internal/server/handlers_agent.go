package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/codeck/daemon/internal/agent"
	"github.com/codeck/daemon/internal/apperr"
)

const (
	maxAgentNameLen      = 50
	maxAgentObjectiveLen = 10000
)

type createAgentRequest struct {
	Name       string `json:"name"`
	Objective  string `json:"objective"`
	CronExpr   string `json:"cronExpr"`
	Cwd        string `json:"cwd"`
	Model      string `json:"model"`
	TimeoutMs  int    `json:"timeoutMs"`
	MaxRetries int    `json:"maxRetries"`
}

func (req createAgentRequest) validate() error {
	if len(req.Name) == 0 || len(req.Name) > maxAgentNameLen {
		return apperr.New(apperr.Validation, "name must be 1-50 characters")
	}
	if len(req.Objective) == 0 || len(req.Objective) > maxAgentObjectiveLen {
		return apperr.New(apperr.Validation, "objective must be 1-10000 characters")
	}
	info, err := os.Stat(req.Cwd)
	if err != nil || !info.IsDir() {
		return apperr.New(apperr.Validation, "cwd must be an existing directory")
	}
	return nil
}

func (req createAgentRequest) toConfig() agent.Config {
	return agent.Config{
		Name:       req.Name,
		Objective:  req.Objective,
		CronExpr:   req.CronExpr,
		Cwd:        req.Cwd,
		Model:      req.Model,
		TimeoutMs:  req.TimeoutMs,
		MaxRetries: req.MaxRetries,
	}
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		writeAppErr(w, err)
		return
	}

	ag, warnings, err := s.scheduler.Create(req.toConfig())
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Validation, "create agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": ag, "warnings": warnings})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ag, ok := s.scheduler.Get(id)
	if !ok {
		writeAppErr(w, apperr.New(apperr.NotFound, "agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, apperr.New(apperr.Validation, "invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		writeAppErr(w, err)
		return
	}

	ag, warnings, err := s.scheduler.Update(id, req.toConfig())
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "update agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": ag, "warnings": warnings})
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Delete(id); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "delete agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Pause(id); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "pause agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Resume(id); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "resume agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Trigger(id); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "trigger agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recs, err := s.history.List(id)
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Transient, "list executions", err))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAgentExecutionLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	executionID := r.URL.Query().Get("executionId")
	if executionID == "" {
		writeAppErr(w, apperr.New(apperr.Validation, "executionId is required"))
		return
	}
	b, err := s.history.ReadLog(id, executionID)
	if err != nil {
		writeAppErr(w, apperr.New(apperr.NotFound, "execution log not found"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(b)
}
