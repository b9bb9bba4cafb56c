package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const maxWSMessageBytes = 64 * 1024

// wsFrame is the wire shape for every message in the console protocol, in
// both directions. Not every field is meaningful for every type.
type wsFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId,omitempty"`
	Data          string `json:"data,omitempty"`
	Rows          int    `json:"rows,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Error         string `json:"error,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	Authenticated *bool  `json:"authenticated,omitempty"`
}

// wsConn is one upgraded WebSocket connection and the set of console
// sessions it is currently attached to.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter

	internal          bool
	internalSessionID string

	attachMu sync.Mutex
	attached map[string]*sessionWriter

	closeOnce sync.Once
}

// sessionWriter adapts the per-session byte fan-out (pty.Session.Attach
// expects an io.Writer) into console:output frames addressed to this
// connection.
type sessionWriter struct {
	conn      *wsConn
	sessionID string
}

func (sw *sessionWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	sw.conn.writeFrame(wsFrame{Type: "console:output", SessionID: sw.sessionID, Data: string(cp)})
	return len(p), nil
}

func (c *wsConn) writeFrame(f wsFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(f)
}

func (c *wsConn) closeGoingAway() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *wsConn) detachAll() {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	for sessionID, sw := range c.attached {
		session := c.server.pty.GetSession(sessionID)
		if session != nil {
			session.Detach(sw)
		}
		c.server.trackDetach(sessionID, c)

		if rows, cols, ok := c.server.clearClientDims(sessionID, c); ok && session != nil {
			_ = session.Resize(rows, cols)
		}
	}
	c.attached = nil
}

func createUpgrader(s *Server) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WSReadBufferSize,
		WriteBufferSize: s.cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// newRateLimiter returns a limiter allowing perMin messages per minute with
// a burst equal to that same rate, so a quiet connection can't bank up an
// unbounded backlog of allowance.
func newRateLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = 300
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
}

// authenticateWS resolves the operator session behind a console WebSocket
// upgrade: a one-time ticket (preferred), a bearer/query session token, or
// the gateway-proxy shared secret.
func (s *Server) authenticateWS(r *http.Request) bool {
	if s.internalSecretOK(r) {
		return true
	}
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		_, ok := s.tickets.Consume(ticket)
		return ok
	}
	token := bearerToken(r)
	return s.sessions.Validate(token) != nil
}

func (s *Server) handleConsoleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWS(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := createUpgrader(s)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &wsConn{server: s, conn: conn, limiter: newRateLimiter(s.cfg.WSRateLimitPerMin), attached: make(map[string]*sessionWriter)}
	s.trackConn(c)
	defer s.untrackConn(c)
	defer c.detachAll()
	defer conn.Close()

	s.runConsoleLoop(c)
}

// handleInternalPTY serves the internal, rate-limit-exempt PTY channel used
// by a fronting gateway process: the session id is bound by the URL path
// rather than negotiated via attach messages.
func (s *Server) handleInternalPTY(w http.ResponseWriter, r *http.Request) {
	if !s.internalSecretOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue(uuidPathParamName)
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	upgrader := createUpgrader(s)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("internal ws upgrade failed", "error", err)
		return
	}

	c := &wsConn{server: s, conn: conn, internal: true, internalSessionID: sessionID, attached: make(map[string]*sessionWriter)}
	s.trackConn(c)
	defer s.untrackConn(c)
	defer c.detachAll()
	defer conn.Close()

	c.attachSession(sessionID)
	s.runConsoleLoop(c)
}

// runConsoleLoop reads console:attach/input/resize messages until the
// connection closes, enforcing the per-message size cap and (outside the
// internal channel) the per-connection rate limit.
func (s *Server) runConsoleLoop(c *wsConn) {
	c.conn.SetReadLimit(maxWSMessageBytes + 1024)
	pongWait := s.cfg.PingInterval + s.cfg.PingInterval/2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go c.pingLoop(stopPing)
	defer close(stopPing)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) > maxWSMessageBytes {
			continue
		}
		if !c.internal && !c.limiter.Allow() {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		c.dispatch(frame)
	}
}

func (c *wsConn) pingLoop(stop chan struct{}) {
	interval := c.server.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(f wsFrame) {
	switch f.Type {
	case "console:attach":
		if c.internal {
			return
		}
		c.attachSession(f.SessionID)
	case "console:input":
		c.handleInput(f)
	case "console:resize":
		c.handleResize(f)
	case "ping":
		c.writeFrame(wsFrame{Type: "pong"})
	}
}

func (c *wsConn) sessionIDFor(requested string) string {
	if c.internal {
		return c.internalSessionID
	}
	return requested
}

func (c *wsConn) attachSession(sessionID string) {
	if _, err := uuid.Parse(sessionID); err != nil {
		c.writeFrame(wsFrame{Type: "console:error", SessionID: sessionID, Error: "invalid session id"})
		return
	}
	session := c.server.pty.GetSession(sessionID)
	if session == nil {
		c.writeFrame(wsFrame{Type: "console:error", SessionID: sessionID, Error: "session not found"})
		return
	}

	c.attachMu.Lock()
	if _, already := c.attached[sessionID]; already {
		c.attachMu.Unlock()
		return
	}
	sw := &sessionWriter{conn: c, sessionID: sessionID}
	c.attached[sessionID] = sw
	c.attachMu.Unlock()

	// Register the writer before draining the backlog: once attached, the
	// output reader delivers every new chunk live instead of buffering it,
	// so nothing produced after this point can land in the ring we are
	// about to read and clear below (which would otherwise replay it a
	// second time).
	session.Attach(sw)
	c.server.trackAttach(sessionID, c)

	backlog := session.OutputBuffer.ReadAll()
	if len(backlog) > 0 {
		c.writeFrame(wsFrame{Type: "console:output", SessionID: sessionID, Data: string(backlog)})
	}
	session.OutputBuffer.Reset()

	// A newly attached client contributes the session's current geometry so
	// recalculation on this attach never shrinks an already-larger view;
	// an explicit console:resize from the client supersedes this later.
	curRows, curCols := session.Dims()
	maxRows, maxCols := c.server.setClientDims(sessionID, c, curRows, curCols)
	if maxRows != curRows || maxCols != curCols {
		_ = session.Resize(maxRows, maxCols)
	}
}

func (c *wsConn) handleInput(f wsFrame) {
	sessionID := c.sessionIDFor(f.SessionID)
	session := c.server.pty.GetSession(sessionID)
	if session == nil {
		c.writeFrame(wsFrame{Type: "console:error", SessionID: sessionID, Error: "session not found"})
		return
	}
	if tr := c.server.transcriptFor(sessionID); tr != nil {
		tr.WriteInput([]byte(f.Data))
	}
	if _, err := session.Write([]byte(f.Data)); err != nil {
		c.writeFrame(wsFrame{Type: "console:error", SessionID: sessionID, Error: err.Error()})
	}
}

func (c *wsConn) handleResize(f wsFrame) {
	sessionID := c.sessionIDFor(f.SessionID)
	session := c.server.pty.GetSession(sessionID)
	if session == nil {
		return
	}
	rows, cols := clampDims(f.Rows, f.Cols)
	maxRows, maxCols := c.server.setClientDims(sessionID, c, rows, cols)
	_ = session.Resize(maxRows, maxCols)
}

func (s *Server) trackConn(c *wsConn) {
	s.wsMu.Lock()
	s.wsConns[c] = struct{}{}
	s.wsMu.Unlock()
}

func (s *Server) untrackConn(c *wsConn) {
	s.wsMu.Lock()
	delete(s.wsConns, c)
	s.wsMu.Unlock()
}

func (s *Server) trackAttach(sessionID string, c *wsConn) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	set, ok := s.attachments[sessionID]
	if !ok {
		set = make(map[*wsConn]struct{})
		s.attachments[sessionID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) trackDetach(sessionID string, c *wsConn) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if set, ok := s.attachments[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.attachments, sessionID)
		}
	}
}

// broadcastToAttached sends a non-output frame (console:exit, console:error)
// to every connection currently attached to sessionID.
func (s *Server) broadcastToAttached(sessionID string, f wsFrame) {
	s.attachMu.Lock()
	conns := make([]*wsConn, 0, len(s.attachments[sessionID]))
	for c := range s.attachments[sessionID] {
		conns = append(conns, c)
	}
	s.attachMu.Unlock()
	for _, c := range conns {
		c.writeFrame(f)
	}
}
