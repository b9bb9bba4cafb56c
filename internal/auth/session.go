package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeck/daemon/internal/apperr"
)

const sessionsFileName = "sessions.json"

// SessionData is the public record for an authenticated operator session.
// The token itself is never exposed through this struct; it is the map key
// callers hold and present on each request.
type SessionData struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	IP        string    `json:"ip"`
	DeviceID  string    `json:"deviceId,omitempty"`
}

type persistedSession struct {
	SessionData
	Token string `json:"token"`
}

// SessionManager owns the authoritative in-memory session state. Tokens are
// random 256-bit values and are never written back to a caller once issued
// at creation time; session ids are the public handle used for revocation.
type SessionManager struct {
	mu sync.Mutex

	byToken     map[string]*SessionData
	tokenBySess map[string]string

	ttl              time.Duration
	lastSeenDebounce time.Duration

	storeDir string

	done chan struct{}
	wg   sync.WaitGroup
}

func NewSessionManager(storeDir string, ttl, lastSeenDebounce, cleanupInterval time.Duration) *SessionManager {
	m := &SessionManager{
		byToken:          make(map[string]*SessionData),
		tokenBySess:      make(map[string]string),
		ttl:              ttl,
		lastSeenDebounce: lastSeenDebounce,
		storeDir:         storeDir,
		done:             make(chan struct{}),
	}
	m.load()

	m.wg.Add(1)
	go m.cleanupLoop(cleanupInterval)

	return m
}

// Close stops the background cleanup loop.
func (m *SessionManager) Close() {
	close(m.done)
	m.wg.Wait()
}

// Create mints a new session for ip/deviceId and returns the session id
// (public handle) and bearer token (given to the caller exactly once).
func (m *SessionManager) Create(ip, deviceID string) (sessionID, token string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", apperr.Wrap(apperr.Fatal, "generate session token", err)
	}
	token = hex.EncodeToString(tokenBytes)
	sessionID = uuid.NewString()

	now := time.Now()
	data := &SessionData{
		SessionID: sessionID,
		CreatedAt: now,
		LastSeen:  now,
		IP:        ip,
		DeviceID:  deviceID,
	}

	m.mu.Lock()
	m.byToken[token] = data
	m.tokenBySess[sessionID] = token
	m.mu.Unlock()

	m.persist()
	return sessionID, token, nil
}

// Validate returns the session data for token if it exists and has not
// expired, touching lastSeen (subject to debounce). Returns nil if the
// token is unknown or expired.
func (m *SessionManager) Validate(token string) *SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.byToken[token]
	if !ok {
		return nil
	}
	now := time.Now()
	if now.Sub(data.CreatedAt) > m.ttl {
		m.removeLocked(token, data.SessionID)
		return nil
	}

	if now.Sub(data.LastSeen) >= m.lastSeenDebounce {
		data.LastSeen = now
		go m.persist()
	}

	cp := *data
	return &cp
}

// Revoke invalidates the session identified by sessionID. No-op if unknown.
func (m *SessionManager) Revoke(sessionID string) {
	m.mu.Lock()
	token, ok := m.tokenBySess[sessionID]
	if ok {
		m.removeLocked(token, sessionID)
	}
	m.mu.Unlock()
	if ok {
		m.persist()
	}
}

func (m *SessionManager) removeLocked(token, sessionID string) {
	delete(m.byToken, token)
	delete(m.tokenBySess, sessionID)
}

func (m *SessionManager) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			if m.pruneExpired() {
				m.persist()
			}
		}
	}
}

func (m *SessionManager) pruneExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	changed := false
	for token, data := range m.byToken {
		if now.Sub(data.CreatedAt) > m.ttl {
			m.removeLocked(token, data.SessionID)
			changed = true
		}
	}
	return changed
}

func (m *SessionManager) sessionsPath() string {
	return filepath.Join(m.storeDir, sessionsFileName)
}

// persist writes the current session set atomically, best-effort. Failures
// are not surfaced: in-memory state remains authoritative regardless of
// disk state. The file is omitted entirely when there are no sessions.
func (m *SessionManager) persist() {
	m.mu.Lock()
	entries := make([]persistedSession, 0, len(m.byToken))
	for token, data := range m.byToken {
		entries = append(entries, persistedSession{SessionData: *data, Token: token})
	}
	m.mu.Unlock()

	path := m.sessionsPath()
	if len(entries) == 0 {
		_ = os.Remove(path)
		return
	}

	b, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = writeAtomicFile(path, b, 0o600)
}

func (m *SessionManager) load() {
	b, err := os.ReadFile(m.sessionsPath())
	if err != nil {
		return
	}
	var entries []persistedSession
	if err := json.Unmarshal(b, &entries); err != nil {
		return
	}

	now := time.Now()
	for _, e := range entries {
		if now.Sub(e.CreatedAt) > m.ttl {
			continue
		}
		data := e.SessionData
		m.byToken[e.Token] = &data
		m.tokenBySess[e.SessionID] = e.Token
	}
}
