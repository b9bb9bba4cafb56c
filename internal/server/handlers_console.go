package server

import (
	"encoding/json"
	"html"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeck/daemon/internal/apperr"
	"github.com/codeck/daemon/internal/memory"
	"github.com/codeck/daemon/internal/pty"
)

const (
	createShellGuard  = 10 * time.Second
	renameMaxLen      = 200
	renameMinLen      = 1
	uuidPathParamName = "id"

	contextFileEnvVar = "CODECK_CONTEXT_FILE"
)

var onboardingOnce sync.Once

// ensureOnboardingMarkers writes the agent binary's own onboarding-acceptance
// markers once per daemon lifetime, so a headlessly-spawned session never
// blocks on a first-run trust dialog it has no terminal to answer.
func ensureOnboardingMarkers(log *slog.Logger) {
	onboardingOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn("onboarding markers: resolve home dir", "error", err)
			return
		}
		path := filepath.Join(home, ".claude.json")
		if _, err := os.Stat(path); err == nil {
			return
		}
		marker := []byte(`{"hasCompletedOnboarding":true,"bypassPermissionsModeAccepted":true}`)
		if err := os.WriteFile(path, marker, 0o600); err != nil {
			log.Warn("onboarding markers: write", "path", path, "error", err)
		}
	})
}

// injectMemoryContext writes the cwd's memory-context block to its
// instruction file and returns the extra env var pointing the agent binary
// at it. A cwd with no durable memory yet gets no file and no env var.
func (s *Server) injectMemoryContext(cwd string) map[string]string {
	pathID, err := s.memory.ResolvePath(cwd)
	if err != nil {
		s.log.Warn("resolve path for memory context", "cwd", cwd, "error", err)
		return nil
	}
	block, err := s.memory.ContextBlock(pathID)
	if err != nil {
		s.log.Warn("build memory context block", "cwd", cwd, "error", err)
		return nil
	}
	if block == "" {
		return nil
	}
	if err := s.memory.WriteContextFile(cwd, block); err != nil {
		s.log.Warn("write memory context file", "cwd", cwd, "error", err)
		return nil
	}
	return map[string]string{contextFileEnvVar: s.memory.ContextFilePath(cwd)}
}

// startConsole wires a freshly created pty.Session into the Gateway layer:
// it opens the session's transcript and starts the single output reader
// that will run for the session's entire lifetime, writing to the
// transcript and notifying every WebSocket connection currently attached.
func (s *Server) startConsole(session *pty.Session, cwd string) error {
	pathID, err := s.memory.ResolvePath(cwd)
	if err != nil {
		return err
	}

	transcriptPath := s.memory.SessionTranscriptPath(session.ID)
	if err := os.MkdirAll(parentDir(transcriptPath), 0o700); err != nil {
		return apperr.Wrap(apperr.Transient, "create session directory", err)
	}
	tr, err := memory.OpenTranscript(transcriptPath, s.cfg.MaxTranscriptBytes, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "open session transcript", err)
	}

	s.consolesMu.Lock()
	s.consoles[session.ID] = &consoleEntry{transcript: tr, pathID: pathID, cwd: cwd}
	s.consolesMu.Unlock()

	session.StartOutputReader(
		func(sessionID string, data []byte) {
			tr.WriteOutput(data)
		},
		func(sessionID string) {
			s.onConsoleExit(sessionID)
		},
	)
	return nil
}

func (s *Server) onConsoleExit(sessionID string) {
	s.consolesMu.Lock()
	entry := s.consoles[sessionID]
	delete(s.consoles, sessionID)
	s.consolesMu.Unlock()

	exitCode := 0
	if session := s.pty.GetSession(sessionID); session != nil {
		exitCode = session.GetExitCode()
	}

	s.broadcastToAttached(sessionID, wsFrame{Type: "console:exit", SessionID: sessionID, ExitCode: &exitCode})

	if entry != nil {
		_ = entry.transcript.Close()
		if err := s.memory.SummarizeSession(sessionID, entry.pathID); err != nil {
			s.log.Warn("summarize session", "session_id", sessionID, "error", err)
		}
	}
}

// transcriptFor returns the live transcript for a console session, or nil
// if the session has no Gateway-owned entry (already destroyed, or never
// started through startConsole).
func (s *Server) transcriptFor(sessionID string) *memory.Transcript {
	s.consolesMu.Lock()
	defer s.consolesMu.Unlock()
	entry, ok := s.consoles[sessionID]
	if !ok {
		return nil
	}
	return entry.transcript
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// AdoptRestoredSession wires a PTY session recreated from a startup
// snapshot into the Gateway layer exactly as a freshly created one would
// be, so its output is captured to a transcript from the start.
func (s *Server) AdoptRestoredSession(session *pty.Session, cwd string) {
	if err := s.startConsole(session, cwd); err != nil {
		s.log.Warn("adopt restored session", "session_id", session.ID, "error", err)
	}
}

func (s *Server) handleConsoleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cwd    string `json:"cwd"`
		Resume string `json:"resume"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cwd := body.Cwd
	if cwd == "" {
		cwd = s.cfg.WorkspaceDir
	}
	if _, err := os.Stat(cwd); err != nil {
		writeAppErr(w, apperr.New(apperr.Validation, "cwd does not exist"))
		return
	}

	policy := pty.ResumePolicy(body.Resume)
	switch policy {
	case pty.ResumeFresh, pty.ResumeContinue, pty.ResumeByID, pty.ResumeInteractive:
	default:
		policy = pty.ResumeContinue
	}

	ensureOnboardingMarkers(s.log)
	extraEnv := s.injectMemoryContext(cwd)

	session, err := s.pty.CreateAgentSession(cwd, policy, extraEnv)
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Conflict, "create agent session", err))
		return
	}
	if err := s.startConsole(session, cwd); err != nil {
		writeAppErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

func (s *Server) handleConsoleCreateShell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cwd string `json:"cwd"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cwd := body.Cwd
	if cwd == "" {
		cwd = s.cfg.WorkspaceDir
	}

	type result struct {
		session *pty.Session
		err     error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := s.pty.CreateShellSession(cwd)
		done <- result{sess, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			writeAppErr(w, apperr.Wrap(apperr.Conflict, "create shell session", res.err))
			return
		}
		if err := s.startConsole(res.session, cwd); err != nil {
			writeAppErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res.session.Info())
	case <-time.After(createShellGuard):
		writeErrorMsg(w, http.StatusInternalServerError, "shell session creation timed out")
	}
}

func (s *Server) handleConsoleAttachMostRecent(w http.ResponseWriter, r *http.Request) {
	var best *pty.Session
	for _, sess := range s.pty.GetAllSessions() {
		info := sess.Info()
		if best == nil || info.LastActivityAt.After(best.Info().LastActivityAt) {
			best = sess
		}
	}
	if best == nil {
		writeAppErr(w, apperr.New(apperr.NotFound, "no active sessions"))
		return
	}
	writeJSON(w, http.StatusOK, best.Info())
}

func (s *Server) handleConsoleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		Rows      int    `json:"rows"`
		Cols      int    `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session := s.pty.GetSession(body.SessionID)
	if session == nil {
		writeAppErr(w, apperr.New(apperr.NotFound, "session not found"))
		return
	}
	rows, cols := clampDims(body.Rows, body.Cols)
	if err := session.Resize(rows, cols); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Transient, "resize session", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConsoleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID   string `json:"sessionId"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := html.EscapeString(body.DisplayName)
	if len(name) < renameMinLen || len(name) > renameMaxLen {
		writeAppErr(w, apperr.New(apperr.Validation, "displayName must be 1-200 characters"))
		return
	}
	if err := s.pty.RenameSession(body.SessionID, name); err != nil {
		writeAppErr(w, apperr.New(apperr.NotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConsoleDestroy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pty.Destroy(body.SessionID); err != nil {
		writeAppErr(w, apperr.Wrap(apperr.NotFound, "destroy session", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConsoleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.pty.GetAllSessions()
	out := make([]pty.Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConsoleTicket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromContext(r)
	ticket, err := s.tickets.Issue(token)
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Fatal, "issue ticket", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}
