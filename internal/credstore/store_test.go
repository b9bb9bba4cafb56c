package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, DisableWatcher: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteCredThenReadRoundTrips(t *testing.T) {
	s := newTestStore(t)

	cred := &Credential{
		AccessToken:  "at-123",
		RefreshToken: "rt-456",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		AccountInfo:  AccountInfo{Email: "op@example.com"},
		Version:      1,
	}
	if err := s.WriteCred(cred); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}

	got, err := s.ReadCred()
	if err != nil {
		t.Fatalf("ReadCred: %v", err)
	}
	if got.AccessToken != cred.AccessToken || got.RefreshToken != cred.RefreshToken {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestWriteCredIsAtomicAndOwnerOnly(t *testing.T) {
	s := newTestStore(t)
	cred := &Credential{AccessToken: "x"}
	if err := s.WriteCred(cred); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}

	info, err := os.Stat(s.credPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(s.credPath()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if len(e.Name()) >= 5 && e.Name()[:5] == ".tmp-" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestReadCredRepairsLoosePermissions(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteCred(&Credential{AccessToken: "x"}); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}
	if err := os.Chmod(s.credPath(), 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	// Drop the in-memory authoritative copy to force a disk read.
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()

	if _, err := s.ReadCred(); err != nil {
		t.Fatalf("ReadCred: %v", err)
	}
	info, err := os.Stat(s.credPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected permissions repaired to 0600, got %v", info.Mode().Perm())
	}
}

func TestInMemoryCopySurvivesFileDeletion(t *testing.T) {
	s := newTestStore(t)
	cred := &Credential{AccessToken: "survives"}
	if err := s.WriteCred(cred); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}
	if err := os.Remove(s.credPath()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := s.ReadCred()
	if err != nil {
		t.Fatalf("ReadCred: %v", err)
	}
	if got == nil || got.AccessToken != "survives" {
		t.Fatalf("expected in-memory copy to survive deletion, got %+v", got)
	}
}

func TestLegacyPlaintextCredentialIsReadable(t *testing.T) {
	s := newTestStore(t)
	legacy := Credential{AccessToken: "legacy-token"}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(s.credPath(), raw, 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	got, err := s.readCredFromDisk()
	if err != nil {
		t.Fatalf("readCredFromDisk: %v", err)
	}
	if got.AccessToken != "legacy-token" {
		t.Fatalf("expected legacy token, got %+v", got)
	}
}

func TestWritePasswordThenRead(t *testing.T) {
	s := newTestStore(t)
	rec := &PasswordRecord{
		Algorithm: AlgorithmScryptV1,
		Salt:      []byte("salt"),
		Hash:      []byte("hash"),
		Cost:      1 << 17,
	}
	if err := s.WritePassword(rec); err != nil {
		t.Fatalf("WritePassword: %v", err)
	}

	got, err := s.ReadPassword()
	if err != nil {
		t.Fatalf("ReadPassword: %v", err)
	}
	if got.Algorithm != AlgorithmScryptV1 || got.Cost != 1<<17 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestReadPasswordReturnsNilWhenUnconfigured(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.ReadPassword()
	if err != nil {
		t.Fatalf("ReadPassword: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestEncryptDecryptRoundTripAndTamperDetection(t *testing.T) {
	key, err := deriveKey(t.TempDir(), "explicit-override-key")
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}

	blob, err := seal(key, []byte("super secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := open(key, blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "super secret" {
		t.Fatalf("round-trip mismatch: %q", plain)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := open(key, tampered); err == nil {
		t.Fatalf("expected tamper to be detected")
	}
}
