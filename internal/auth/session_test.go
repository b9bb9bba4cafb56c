package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateThenValidate(t *testing.T) {
	m := NewSessionManager(t.TempDir(), 7*24*time.Hour, time.Minute, time.Hour)
	defer m.Close()

	sessionID, token, err := m.Create("1.2.3.4", "device-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sessionID == "" || token == "" {
		t.Fatalf("expected non-empty sessionID and token")
	}

	data := m.Validate(token)
	if data == nil {
		t.Fatalf("expected valid session")
	}
	if data.SessionID != sessionID {
		t.Fatalf("sessionID mismatch: got %s want %s", data.SessionID, sessionID)
	}
}

func TestValidateUnknownTokenReturnsNil(t *testing.T) {
	m := NewSessionManager(t.TempDir(), 7*24*time.Hour, time.Minute, time.Hour)
	defer m.Close()

	if m.Validate("no-such-token") != nil {
		t.Fatalf("expected nil for unknown token")
	}
}

func TestRevokeBySessionID(t *testing.T) {
	m := NewSessionManager(t.TempDir(), 7*24*time.Hour, time.Minute, time.Hour)
	defer m.Close()

	sessionID, token, err := m.Create("1.2.3.4", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Revoke(sessionID)

	if m.Validate(token) != nil {
		t.Fatalf("expected session to be revoked")
	}
}

func TestExpiredSessionIsRejected(t *testing.T) {
	m := NewSessionManager(t.TempDir(), 10*time.Millisecond, time.Minute, time.Hour)
	defer m.Close()

	_, token, err := m.Create("1.2.3.4", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if m.Validate(token) != nil {
		t.Fatalf("expected expired session to be rejected")
	}
}

func TestSessionsPersistAndReloadAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	m1 := NewSessionManager(dir, 7*24*time.Hour, time.Minute, time.Hour)

	_, token, err := m1.Create("1.2.3.4", "device-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Force a synchronous persist; Validate's debounced persist runs in a
	// goroutine so give it a moment.
	m1.persist()
	m1.Close()

	if _, err := os.Stat(filepath.Join(dir, sessionsFileName)); err != nil {
		t.Fatalf("expected sessions file to exist: %v", err)
	}

	m2 := NewSessionManager(dir, 7*24*time.Hour, time.Minute, time.Hour)
	defer m2.Close()

	if data := m2.Validate(token); data == nil {
		t.Fatalf("expected session to survive reload")
	}
}

func TestSessionsFileOmittedWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	m := NewSessionManager(dir, 7*24*time.Hour, time.Minute, time.Hour)

	sessionID, _, err := m.Create("1.2.3.4", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.persist()
	m.Revoke(sessionID)

	if _, err := os.Stat(filepath.Join(dir, sessionsFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected sessions file to be removed once empty, err=%v", err)
	}
	m.Close()
}
