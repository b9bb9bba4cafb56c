// Package server is the daemon's Gateway/Edge: the HTTP+WebSocket surface
// that authenticates operators, fans PTY output out to attached clients,
// and exposes the memory, indexer, and agent-scheduler subsystems.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeck/daemon/internal/agent"
	"github.com/codeck/daemon/internal/auth"
	"github.com/codeck/daemon/internal/config"
	"github.com/codeck/daemon/internal/indexer"
	"github.com/codeck/daemon/internal/memory"
	"github.com/codeck/daemon/internal/pty"
)

// Options bundles every subsystem the Gateway/Edge fans requests out to.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	Passwords *auth.PasswordPlane
	OAuth     *auth.OAuthPlane
	Sessions  *auth.SessionManager
	Tickets   *auth.TicketIssuer

	PTY       *pty.Manager
	Memory    *memory.Store
	Indexer   *indexer.Store
	Scheduler *agent.Scheduler
	History   *agent.HistoryStore
}

// Server owns the HTTP mux, the WebSocket console protocol, and the
// per-connection rate limiters in front of it.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	passwords *auth.PasswordPlane
	oauth     *auth.OAuthPlane
	sessions  *auth.SessionManager
	tickets   *auth.TicketIssuer

	pty       *pty.Manager
	memory    *memory.Store
	index     *indexer.Store
	scheduler *agent.Scheduler
	history   *agent.HistoryStore

	httpServer *http.Server

	wsMu    sync.Mutex
	wsConns map[*wsConn]struct{}

	consolesMu sync.Mutex
	consoles   map[string]*consoleEntry

	attachMu    sync.Mutex
	attachments map[string]map[*wsConn]struct{}

	dimsMu     sync.Mutex
	clientDims map[string]map[*wsConn]dim

	heartbeatDone chan struct{}
	heartbeatWG   sync.WaitGroup
}

// consoleEntry tracks the per-session state the Gateway layer owns on top of
// a raw pty.Session: its transcript and the memory pathId it is scoped
// under, so a session's output is captured and later summarized.
type consoleEntry struct {
	transcript *memory.Transcript
	pathID     string
	cwd        string
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       opts.Config,
		log:       logger,
		passwords: opts.Passwords,
		oauth:     opts.OAuth,
		sessions:  opts.Sessions,
		tickets:   opts.Tickets,
		pty:           opts.PTY,
		memory:        opts.Memory,
		index:         opts.Indexer,
		scheduler:     opts.Scheduler,
		history:       opts.History,
		wsConns:       make(map[*wsConn]struct{}),
		consoles:      make(map[string]*consoleEntry),
		attachments:   make(map[string]map[*wsConn]struct{}),
		clientDims:    make(map[string]map[*wsConn]dim),
		heartbeatDone: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:      s.withCORS(mux),
		ReadTimeout:  opts.Config.HTTPReadTimeout,
		WriteTimeout: opts.Config.HTTPWriteTimeout,
		IdleTimeout:  opts.Config.HTTPIdleTimeout,
	}

	s.heartbeatWG.Add(1)
	go s.heartbeatLoop()

	return s
}

// ListenAndServe blocks serving HTTP+WS until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight HTTP requests and closes every live WebSocket
// connection with a going-away close frame.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.heartbeatDone)
	s.heartbeatWG.Wait()

	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.closeGoingAway()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(mux *http.ServeMux) {
	// Public: no session required.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/setup", s.handleAuthSetup)
	mux.HandleFunc("POST /api/auth/login", s.handleAuthLogin)

	// Protected: require a valid session.
	mux.Handle("POST /api/auth/logout", s.requireSession(http.HandlerFunc(s.handleAuthLogout)))

	mux.Handle("POST /api/auth/oauth/start", s.requireSession(http.HandlerFunc(s.handleOAuthStart)))
	mux.Handle("POST /api/auth/oauth/cancel", s.requireSession(http.HandlerFunc(s.handleOAuthCancel)))
	mux.Handle("POST /api/auth/oauth/code", s.requireSession(http.HandlerFunc(s.handleOAuthCode)))

	mux.Handle("POST /api/console/create", s.requireSession(http.HandlerFunc(s.handleConsoleCreate)))
	mux.Handle("POST /api/console/create-shell", s.requireSession(http.HandlerFunc(s.handleConsoleCreateShell)))
	mux.Handle("POST /api/console/attach-most-recent", s.requireSession(http.HandlerFunc(s.handleConsoleAttachMostRecent)))
	mux.Handle("POST /api/console/resize", s.requireSession(http.HandlerFunc(s.handleConsoleResize)))
	mux.Handle("POST /api/console/rename", s.requireSession(http.HandlerFunc(s.handleConsoleRename)))
	mux.Handle("POST /api/console/destroy", s.requireSession(http.HandlerFunc(s.handleConsoleDestroy)))
	mux.Handle("GET /api/console/list", s.requireSession(http.HandlerFunc(s.handleConsoleList)))
	mux.Handle("GET /api/console/ticket", s.requireSession(http.HandlerFunc(s.handleConsoleTicket)))

	mux.Handle("GET /api/memory/tree", s.requireSession(http.HandlerFunc(s.handleMemoryTree)))
	mux.Handle("GET /api/memory/file", s.requireSession(http.HandlerFunc(s.handleMemoryFile)))
	mux.Handle("POST /api/memory/flush", s.requireSession(http.HandlerFunc(s.handleMemoryFlush)))

	mux.Handle("GET /api/index/search", s.requireSession(http.HandlerFunc(s.handleIndexSearch)))

	mux.Handle("GET /api/agents", s.requireSession(http.HandlerFunc(s.handleAgentList)))
	mux.Handle("POST /api/agents", s.requireSession(http.HandlerFunc(s.handleAgentCreate)))
	mux.Handle("GET /api/agents/{id}", s.requireSession(http.HandlerFunc(s.handleAgentGet)))
	mux.Handle("PUT /api/agents/{id}", s.requireSession(http.HandlerFunc(s.handleAgentUpdate)))
	mux.Handle("DELETE /api/agents/{id}", s.requireSession(http.HandlerFunc(s.handleAgentDelete)))
	mux.Handle("POST /api/agents/{id}/pause", s.requireSession(http.HandlerFunc(s.handleAgentPause)))
	mux.Handle("POST /api/agents/{id}/resume", s.requireSession(http.HandlerFunc(s.handleAgentResume)))
	mux.Handle("POST /api/agents/{id}/trigger", s.requireSession(http.HandlerFunc(s.handleAgentTrigger)))
	mux.Handle("GET /api/agents/{id}/executions", s.requireSession(http.HandlerFunc(s.handleAgentExecutions)))
	mux.Handle("GET /api/agents/{id}/executions-log", s.requireSession(http.HandlerFunc(s.handleAgentExecutionLog)))

	// WebSocket console protocol: ticket or session auth, rate limited.
	mux.HandleFunc("GET /ws/console", s.handleConsoleWS)
	// Internal PTY channel: gateway-proxy shared secret only, no per-message
	// rate limit.
	mux.HandleFunc("GET /internal/pty/{id}", s.handleInternalPTY)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.pty.SessionCount(),
		"time":     time.Now().UTC(),
	})
}
