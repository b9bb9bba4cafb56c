// Package app wires every subsystem into a running daemon: credential
// storage, the auth planes, the PTY manager, memory, the indexer, the
// agent scheduler, and the Gateway/Edge HTTP+WebSocket server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/codeck/daemon/internal/agent"
	"github.com/codeck/daemon/internal/auth"
	"github.com/codeck/daemon/internal/config"
	"github.com/codeck/daemon/internal/credstore"
	"github.com/codeck/daemon/internal/indexer"
	"github.com/codeck/daemon/internal/memory"
	"github.com/codeck/daemon/internal/pty"
	"github.com/codeck/daemon/internal/server"
)

// App owns every long-lived subsystem and the order they must start and
// stop in.
type App struct {
	cfg *config.Config
	log *slog.Logger

	creds    *credstore.Store
	sessions *auth.SessionManager
	tickets  *auth.TicketIssuer
	oauth    *auth.OAuthPlane
	pty      *pty.Manager
	memory   *memory.Store
	index    *indexer.Store
	watcher  *indexer.Watcher
	indexr   *indexer.Indexer
	sched    *agent.Scheduler
	srv      *server.Server
}

// broadcastForwarder breaks the construction-order cycle between the agent
// scheduler (built before the Gateway server exists) and the server (which
// implements agent.Broadcaster once it does). The scheduler is handed this
// forwarder at construction time; New sets its target right after the
// server is built.
type broadcastForwarder struct {
	target agent.Broadcaster
}

func (f *broadcastForwarder) BroadcastAgentUpdate(agentID string) {
	if f.target != nil {
		f.target.BroadcastAgentUpdate(agentID)
	}
}

// New constructs every subsystem and wires them together, but does not yet
// start serving: call Run for that.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	creds, err := credstore.Open(credstore.Options{
		Dir:           cfg.StoreDir,
		MirrorDir:     cfg.AgentConfigDir,
		EncryptionKey: cfg.EncryptionKeyOverride,
		WatchDebounce: cfg.CredWatchDebounce,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	a.creds = creds

	passwords := auth.NewPasswordPlane(creds, cfg.MaxLoginFailures, cfg.LockoutWindow, cfg.LockoutDuration)
	sessions := auth.NewSessionManager(cfg.StoreDir, cfg.SessionTTL, cfg.LastSeenDebounce, cfg.SessionCleanupInterval)
	tickets := auth.NewTicketIssuer(cfg.TicketTTL, cfg.TicketTTL)

	var oauthPlane *auth.OAuthPlane
	if cfg.OAuthClientID != "" && cfg.OAuthAuthURL != "" && cfg.OAuthTokenURL != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuthAuthURL,
				TokenURL: cfg.OAuthTokenURL,
			},
		}
		oauthPlane = auth.NewOAuthPlane(oauthCfg, creds, cfg.StoreDir, cfg.RefreshInterval, cfg.RefreshMargin)
	}
	a.sessions = sessions
	a.tickets = tickets
	a.oauth = oauthPlane

	ptyMgr := pty.NewManager(pty.ManagerConfig{
		DefaultShell: cfg.DefaultShell,
		DefaultRows:  cfg.DefaultRows,
		DefaultCols:  cfg.DefaultCols,
		AgentBinary:  cfg.AgentBinary,
		MaxSessions:  cfg.MaxSessions,
		GracePeriod:  cfg.PTYOrphanGracePeriod,
		BufferSize:   cfg.PTYOutputBufferSize,
		StateDir:     cfg.StoreDir,
		Probe:        pty.NewFileConversationProbe(cfg.ConversationsRoot),
		Logger:       log,
	})
	a.pty = ptyMgr

	memStore := memory.NewStore(cfg.StoreDir, cfg.FlushCooldown)
	if err := memStore.LoadPathsState(); err != nil {
		log.Warn("load memory paths state", "error", err)
	}
	if err := memStore.LoadFlushState(); err != nil {
		log.Warn("load memory flush state", "error", err)
	}
	a.memory = memStore

	idxStore, err := indexer.Open(filepath.Join(cfg.StoreDir, "index.db"), log)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	a.index = idxStore

	var embedder indexer.Embedder
	if cfg.EmbeddingAPIKey != "" {
		embedder = indexer.NewHTTPEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	}
	idx := indexer.NewIndexer(idxStore, []string{memStore.Root(), cfg.WorkspaceDir}, cfg.IndexOptimizeEvery, embedder, cfg.EmbeddingBatchSize, cfg.EmbeddingInterval)
	idx.Start()
	a.indexr = idx

	watcher, err := indexer.NewWatcher(idx, cfg.WatcherQuietPeriod, log)
	if err != nil {
		log.Warn("start index watcher", "error", err)
	} else {
		watcher.Start()
		a.watcher = watcher
	}

	agentsDir := filepath.Join(cfg.StoreDir, "agents")
	agentStore := agent.NewStore(agentsDir, log)
	history := agent.NewHistoryStore(agentsDir, cfg.MaxLogBytes, cfg.MaxExecutionHistory)
	runner := agent.NewProcessRunner(cfg.AgentBinary, cfg.SIGKILLGrace, nil)

	fwd := &broadcastForwarder{}
	sched, err := agent.NewScheduler(agent.Options{
		Store:       agentStore,
		History:     history,
		Runner:      runner,
		Broadcaster: fwd,
		Logger:      log,
		MaxAgents:   cfg.MaxAgents,
	})
	if err != nil {
		return nil, fmt.Errorf("start agent scheduler: %w", err)
	}
	a.sched = sched

	srv := server.New(server.Options{
		Config:    cfg,
		Logger:    log,
		Passwords: passwords,
		OAuth:     oauthPlane,
		Sessions:  sessions,
		Tickets:   tickets,
		PTY:       ptyMgr,
		Memory:    memStore,
		Indexer:   idxStore,
		Scheduler: sched,
		History:   history,
	})
	fwd.target = srv
	if oauthPlane != nil {
		oauthPlane.OnStatusChange(srv.BroadcastAuthStatus)
	}
	a.srv = srv

	restorePTYSnapshot(ptyMgr, srv, log)

	return a, nil
}

// restorePTYSnapshot recreates the agent sessions that were live when the
// daemon last shut down. Shell sessions are not recreated: a bare shell
// carries no conversation to resume, so a fresh one serves the operator
// just as well. An agent session is recreated with ResumeContinue, which
// relies on the same conversation-discovery probe a fresh session uses to
// pick up wherever the agent binary's own transcript left off, then adopted
// into the Gateway layer so its output is captured from the start.
func restorePTYSnapshot(mgr *pty.Manager, srv *server.Server, log *slog.Logger) {
	snap, err := mgr.LoadSnapshot()
	if err != nil {
		log.Warn("load pty snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}
	for _, entry := range snap.Entries {
		if entry.Kind != pty.KindAgent {
			continue
		}
		session, err := mgr.CreateAgentSession(entry.Cwd, pty.ResumeContinue, nil)
		if err != nil {
			log.Warn("restore agent session", "cwd", entry.Cwd, "error", err)
			continue
		}
		if err := mgr.RenameSession(session.ID, entry.DisplayName); err != nil {
			log.Warn("restore session display name", "session_id", session.ID, "error", err)
		}
		srv.AdoptRestoredSession(session, entry.Cwd)
		log.Info("restored agent session", "session_id", session.ID, "cwd", entry.Cwd)
	}
}

// Run blocks serving HTTP+WS until the server is shut down.
func (a *App) Run() error {
	return a.srv.ListenAndServe()
}

// Shutdown stops every subsystem in reverse dependency order: Gateway first
// so no new work is accepted, then the background loops, then storage.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	note(a.srv.Shutdown(ctx))

	a.sessions.Close()
	a.tickets.Close()
	if a.oauth != nil {
		a.oauth.Close()
	}

	a.sched.Close()

	if a.watcher != nil {
		note(a.watcher.Close())
	}
	a.indexr.Stop()
	note(a.index.Close())

	if err := a.pty.SaveSnapshot("shutdown"); err != nil {
		a.log.Warn("save pty snapshot", "error", err)
	}
	a.pty.CloseAllSessions()

	note(a.creds.Close())

	return firstErr
}

// shutdownTimeout is the default grace period main gives Shutdown before
// giving up and exiting anyway.
const shutdownTimeout = 30 * time.Second

// ShutdownTimeout exposes the default grace period to cmd/codeckd.
func ShutdownTimeout() time.Duration { return shutdownTimeout }
