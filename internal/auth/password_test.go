package auth

import (
	"testing"
	"time"

	"github.com/codeck/daemon/internal/apperr"
	"github.com/codeck/daemon/internal/credstore"
)

func newTestPlane(t *testing.T) *PasswordPlane {
	t.Helper()
	store, err := credstore.Open(credstore.Options{Dir: t.TempDir(), DisableWatcher: true})
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewPasswordPlane(store, 5, 15*time.Minute, 15*time.Minute)
}

func TestSetupRejectsShortPassword(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Setup("short"); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestSetupThenVerify(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Setup("correctHorse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.Verify("correctHorse", "1.2.3.4"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSetupRejectsWhenAlreadyConfigured(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Setup("correctHorse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.Setup("anotherPassword"); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict on double setup, got %v", err)
	}
}

func TestFiveFailuresThenSixthIsRateLimitedEvenWithCorrectPassword(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Setup("correctHorse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := p.Verify("wrong", "9.9.9.9")
		if apperr.KindOf(err) != apperr.Unauthorized {
			t.Fatalf("attempt %d: expected Unauthorized, got %v", i+1, err)
		}
	}

	err := p.Verify("correctHorse", "9.9.9.9")
	if apperr.KindOf(err) != apperr.RateLimited {
		t.Fatalf("expected RateLimited on 6th attempt, got %v", err)
	}
	if apperr.HintOf(err) == "" {
		t.Fatalf("expected a retry hint on RateLimited error")
	}
}

func TestSuccessfulLoginClearsLockoutCounter(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Setup("correctHorse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	for i := 0; i < 4; i++ {
		_ = p.Verify("wrong", "5.5.5.5")
	}
	if err := p.Verify("correctHorse", "5.5.5.5"); err != nil {
		t.Fatalf("expected success before lockout threshold, got %v", err)
	}
	// Counter reset; five more failures needed before lockout engages again.
	for i := 0; i < 4; i++ {
		if err := p.Verify("wrong", "5.5.5.5"); apperr.KindOf(err) != apperr.Unauthorized {
			t.Fatalf("attempt %d: expected Unauthorized, got %v", i+1, err)
		}
	}
}

func TestVerifyRejectsUnconfiguredPassword(t *testing.T) {
	p := newTestPlane(t)
	if err := p.Verify("anything", "1.1.1.1"); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized when unconfigured, got %v", err)
	}
}

func TestLegacyAlgorithmIsOpportunisticallyRehashed(t *testing.T) {
	store, err := credstore.Open(credstore.Options{Dir: t.TempDir(), DisableWatcher: true})
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	defer store.Close()

	salt := []byte("legacy-salt-0123")
	hash := legacySHA256(salt, "correctHorse")
	if err := store.WritePassword(&credstore.PasswordRecord{
		Algorithm: credstore.AlgorithmLegacySHA256,
		Salt:      salt,
		Hash:      hash,
	}); err != nil {
		t.Fatalf("WritePassword: %v", err)
	}

	p := NewPasswordPlane(store, 5, 15*time.Minute, 15*time.Minute)
	if err := p.Verify("correctHorse", "1.2.3.4"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	rec, err := store.ReadPassword()
	if err != nil {
		t.Fatalf("ReadPassword: %v", err)
	}
	if rec.Algorithm != credstore.AlgorithmScryptV1 {
		t.Fatalf("expected rehash to scrypt-v1, got %v", rec.Algorithm)
	}
}
