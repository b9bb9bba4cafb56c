package server

import "time"

// broadcastAll sends f to every currently tracked WebSocket connection,
// console and internal alike.
func (s *Server) broadcastAll(f wsFrame) {
	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.writeFrame(f)
	}
}

// heartbeatLoop emits an application-level heartbeat frame on
// cfg.HeartbeatInterval, distinct from the WebSocket protocol ping in
// websocket.go: this one tells the frontend the daemon's own request loop is
// still alive, not just the TCP connection.
func (s *Server) heartbeatLoop() {
	defer s.heartbeatWG.Done()

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.heartbeatDone:
			return
		case <-t.C:
			s.broadcastAll(wsFrame{Type: "heartbeat"})
		}
	}
}

// BroadcastAgentUpdate satisfies agent.Broadcaster: it notifies every
// attached client that a scheduled agent's state changed, so the UI can
// refetch without polling.
func (s *Server) BroadcastAgentUpdate(agentID string) {
	s.broadcastAll(wsFrame{Type: "agent:update", AgentID: agentID})
}

// BroadcastAuthStatus notifies every attached client that the OAuth plane's
// authenticated state changed, typically after a background token refresh
// succeeds or finally gives up.
func (s *Server) BroadcastAuthStatus(authenticated bool) {
	s.broadcastAll(wsFrame{Type: "status", Authenticated: &authenticated})
}
