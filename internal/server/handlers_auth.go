package server

import (
	"encoding/json"
	"net/http"

	"github.com/codeck/daemon/internal/apperr"
	"github.com/google/uuid"
)

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	configured, err := s.passwords.Configured()
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": configured})
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.passwords.Setup(body.Password); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := s.clientIP(r)
	if err := s.passwords.Verify(body.Password, ip); err != nil {
		writeAppErr(w, err)
		return
	}

	deviceID := body.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	sessionID, token, err := s.sessions.Create(ip, deviceID)
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Fatal, "create session", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"token":     token,
	})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.sessions.Revoke(sess.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	url, err := s.oauth.StartLogin(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authUrl": url})
}

func (s *Server) handleOAuthCancel(w http.ResponseWriter, r *http.Request) {
	s.oauth.CancelLogin()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOAuthCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.oauth.SendCode(r.Context(), body.Code); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
