package pty

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	snapshotVersion   = 1
	snapshotFileName  = "sessions.json"
	snapshotBackupExt = ".bak"

	conversationPollInterval = 500 * time.Millisecond
	conversationPollMax      = 15 * time.Second

	envValueTruncate = 10 * 1024

	destroyGrace = 2 * time.Second
)

// secretEnvPrefixes blocklists env vars that plausibly carry credentials;
// the agent and shell children never see these regardless of how the
// daemon process itself was launched.
var secretEnvPrefixes = []string{
	"AWS_", "STRIPE_", "TWILIO_", "DATABASE_", "OPENAI_", "ANTHROPIC_",
	"GITHUB_TOKEN", "GH_TOKEN", "NPM_TOKEN", "DOCKER_", "SECRET", "API_KEY",
	"_API_KEY", "_TOKEN", "_SECRET", "_PASSWORD",
}

// secretEnvExact strips a small set of variables that are either noisy or
// could leak host process context into the child.
var secretEnvExact = map[string]bool{
	"NODE_ENV": true,
	"PORT":     true,
}

// ConversationProbe inspects cwd for evidence of the agent's own
// conversation-id file and reports it once discoverable. It must not block;
// the poller calls it on its own timer and tolerates ("", false) forever.
type ConversationProbe func(cwd string) (string, bool)

// Manager owns the set of live PTY sessions plus crash-safe persistence of
// their identity across a daemon restart.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	defaultShell string
	defaultRows  int
	defaultCols  int
	agentBinary  string

	maxSessions int
	gracePeriod time.Duration
	bufferSize  int

	stateDir string
	probe    ConversationProbe

	log *slog.Logger
}

type ManagerConfig struct {
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	AgentBinary  string
	MaxSessions  int
	GracePeriod  time.Duration
	BufferSize   int
	StateDir     string
	Probe        ConversationProbe
	Logger       *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	gracePeriod := cfg.GracePeriod
	if gracePeriod < 0 {
		gracePeriod = 0
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 || bufferSize > 1<<20 {
		bufferSize = 1 << 20 // 1 MiB per the outputBuffer invariant
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:     make(map[string]*Session),
		defaultShell: cfg.DefaultShell,
		defaultRows:  cfg.DefaultRows,
		defaultCols:  cfg.DefaultCols,
		agentBinary:  cfg.AgentBinary,
		maxSessions:  maxSessions,
		gracePeriod:  gracePeriod,
		bufferSize:   bufferSize,
		stateDir:     cfg.StateDir,
		probe:        cfg.Probe,
		log:          logger,
	}
}

// buildCleanEnv assembles the environment passed to a spawned child: the
// process environment with secret-bearing variables removed, values
// truncated at 10 KiB, and extra appended last so it always wins.
func buildCleanEnv(extra map[string]string) []string {
	var out []string
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if secretEnvExact[key] {
			continue
		}
		blocked := false
		upper := strings.ToUpper(key)
		for _, prefix := range secretEnvPrefixes {
			if strings.HasPrefix(upper, prefix) || strings.HasSuffix(upper, prefix) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		if len(val) > envValueTruncate {
			val = val[:envValueTruncate]
		}
		out = append(out, key+"="+val)
	}
	for k, v := range extra {
		if len(v) > envValueTruncate {
			v = v[:envValueTruncate]
		}
		out = append(out, k+"="+v)
	}
	return out
}

// CreateShellSession spawns an interactive /bin/bash session rooted at cwd.
func (m *Manager) CreateShellSession(cwd string) (*Session, error) {
	return m.createSession(KindShell, cwd, filepath.Base(cwd), nil)
}

// CreateAgentSession spawns the configured agent binary rooted at cwd.
// resumePolicy is recorded on the session for the caller's own resume
// bookkeeping (memory-context injection, prior-conversation lookup); the
// manager itself always starts a fresh child process.
func (m *Manager) CreateAgentSession(cwd string, resumePolicy ResumePolicy, extraEnv map[string]string) (*Session, error) {
	if _, err := os.Stat(cwd); err != nil {
		return nil, fmt.Errorf("cwd does not exist: %w", err)
	}
	session, err := m.createSession(KindAgent, cwd, filepath.Base(cwd), extraEnv)
	if err != nil {
		return nil, err
	}

	m.pollConversationID(session)
	return session, nil
}

func (m *Manager) createSession(kind Kind, cwd, displayName string, extraEnv map[string]string) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum sessions reached: %d", m.maxSessions)
	}
	m.mu.Unlock()

	id := uuid.NewString()

	shell := m.defaultShell
	if kind == KindAgent {
		shell = m.agentBinary
	}

	session, err := NewSession(Config{
		ID:               id,
		Kind:             kind,
		DisplayName:      displayName,
		Shell:            shell,
		Rows:             m.defaultRows,
		Cols:             m.defaultCols,
		Env:              buildCleanEnv(extraEnv),
		WorkDir:          cwd,
		OutputBufferSize: m.bufferSize,
		Logger:           m.log,
		OnClose: func() {
			m.removeSession(id)
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.saveSnapshot("create")

	return session, nil
}

// saveSnapshot persists the current session set and logs (rather than
// propagates) any failure: every lifecycle transition — create, destroy,
// rename, conversation-id discovery — calls this so the on-disk snapshot is
// never more than one event stale, which is what makes restart-after-crash
// safe. Losing one snapshot write to a transient I/O error is recoverable
// (the next lifecycle event retries); losing the session itself is not.
func (m *Manager) saveSnapshot(reason string) {
	if err := m.SaveSnapshot(reason); err != nil {
		m.log.Warn("save pty snapshot", "reason", reason, "error", err)
	}
}

// RenameSession updates sessionID's display name and re-snapshots, per the
// "rename" lifecycle event the persisted snapshot must reflect.
func (m *Manager) RenameSession(sessionID, name string) error {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.Rename(name)
	m.saveSnapshot("rename")
	return nil
}

// pollConversationID asynchronously probes for the upstream agent's
// conversation id on a fixed interval, giving up after conversationPollMax.
// It never blocks the caller and never touches state the WS input path
// depends on synchronously.
func (m *Manager) pollConversationID(session *Session) {
	if m.probe == nil {
		return
	}
	go func() {
		deadline := time.Now().Add(conversationPollMax)
		ticker := time.NewTicker(conversationPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if time.Now().After(deadline) {
				return
			}
			if id, ok := m.probe(session.Cwd); ok {
				session.SetConversationID(id)
				m.saveSnapshot("conversation-id")
				return
			}
		}
	}()
}

func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Destroy gracefully terminates a session: SIGTERM, a 2s grace window, then
// SIGKILL if the child is still alive. Callers are expected to perform
// transcript-close/summarization before or after this returns as needed.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.saveSnapshot("destroy")

	if session.Cmd.Process != nil {
		_ = session.Cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = session.Cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(destroyGrace):
			_ = session.Cmd.Process.Kill()
		}
	}

	return session.Close()
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if existed {
		m.saveSnapshot("exit")
	}
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) GetAllSessions() map[string]*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]*Session, len(m.sessions))
	for k, v := range m.sessions {
		cp[k] = v
	}
	return cp
}

func (m *Manager) CloseAllSessions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// OrphanSession marks a session as orphaned (its last client detached) and
// starts a cleanup timer if a grace period is configured.
func (m *Manager) OrphanSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.IsOrphaned = true
	session.OrphanedAt = time.Now()
	if session.orphanTimer != nil {
		session.orphanTimer.Stop()
		session.orphanTimer = nil
	}
	session.mu.Unlock()

	if m.gracePeriod > 0 {
		session.mu.Lock()
		session.orphanTimer = time.AfterFunc(m.gracePeriod, func() {
			m.cleanupOrphanedSession(sessionID)
		})
		session.mu.Unlock()
		m.log.Info("session orphaned", "session_id", sessionID, "grace_period", m.gracePeriod)
	} else {
		m.log.Info("session orphaned, automatic cleanup disabled", "session_id", sessionID)
	}
}

// ReattachSession cancels the cleanup timer for a previously orphaned
// session and clears its orphan state.
func (m *Manager) ReattachSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	session.mu.Lock()
	if session.orphanTimer != nil {
		session.orphanTimer.Stop()
		session.orphanTimer = nil
	}
	session.IsOrphaned = false
	session.OrphanedAt = time.Time{}
	session.mu.Unlock()

	m.log.Info("session reattached", "session_id", sessionID)
	return session, nil
}

func (m *Manager) cleanupOrphanedSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	session.mu.RLock()
	stillOrphaned := session.IsOrphaned
	session.mu.RUnlock()
	if !stillOrphaned {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.log.Info("cleaning up orphaned session", "session_id", sessionID)
	_ = session.Close()
}

func (m *Manager) GetOrphanedSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		s.mu.RLock()
		if s.IsOrphaned {
			count++
		}
		s.mu.RUnlock()
	}
	return count
}

// snapshot is the persisted form of the live session set.
type snapshot struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	Cwd            string `json:"cwd"`
	DisplayName    string `json:"displayName"`
	Reason         string `json:"reason"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (m *Manager) snapshotPath() string {
	return filepath.Join(m.stateDir, snapshotFileName)
}

// SaveSnapshot persists the identity of every live session so it can be
// recreated (not resumed in-process) after a restart. When there are zero
// sessions the file is removed rather than written empty, to prevent a
// phantom restore on next boot.
func (m *Manager) SaveSnapshot(reason string) error {
	m.mu.RLock()
	entries := make([]snapshotEntry, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, snapshotEntry{
			ID:             s.ID,
			Kind:           s.Kind,
			Cwd:            s.Cwd,
			DisplayName:    s.DisplayName,
			Reason:         reason,
			ConversationID: s.ConversationID(),
		})
	}
	m.mu.RUnlock()

	path := m.snapshotPath()
	if len(entries) == 0 {
		return removeIfExists(path)
	}

	snap := snapshot{Version: snapshotVersion, SavedAt: time.Now(), Entries: entries}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, b, 0o600)
}

// LoadSnapshot reads the persisted snapshot, if any, renaming it to a
// ".bak" suffix once read so a crash mid-restore cannot loop forever on a
// stale file.
func (m *Manager) LoadSnapshot() (*snapshot, error) {
	path := m.snapshotPath()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}

	_ = os.Rename(path, path+snapshotBackupExt)
	return &snap, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
