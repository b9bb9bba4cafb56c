package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/codeck/daemon/internal/credstore"
)

func newTestOAuthPlane(t *testing.T, tokenURL string) (*OAuthPlane, *credstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := credstore.Open(credstore.Options{Dir: dir, DisableWatcher: true})
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	p := NewOAuthPlane(cfg, store, dir, time.Hour, time.Hour)
	t.Cleanup(p.Close)
	return p, store
}

func TestOAuthPlaneNotifiesStatusOnSuccessfulRefresh(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	p, store := newTestOAuthPlane(t, tokenSrv.URL)

	if err := store.WriteCred(&credstore.Credential{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Version:      1,
	}); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}

	var gotCalls []bool
	p.OnStatusChange(func(authenticated bool) {
		gotCalls = append(gotCalls, authenticated)
	})

	if err := p.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}

	if len(gotCalls) != 1 || gotCalls[0] != true {
		t.Fatalf("status callbacks=%v, want a single true", gotCalls)
	}
}

func TestOAuthPlaneNotifiesStatusOnFailedRefresh(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer tokenSrv.Close()

	p, store := newTestOAuthPlane(t, tokenSrv.URL)

	if err := store.WriteCred(&credstore.Credential{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Version:      1,
	}); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}

	var gotCalls []bool
	p.OnStatusChange(func(authenticated bool) {
		gotCalls = append(gotCalls, authenticated)
	})

	if err := p.RefreshNow(context.Background()); err == nil {
		t.Fatal("expected RefreshNow to surface the token endpoint failure")
	}

	if len(gotCalls) != 1 || gotCalls[0] != false {
		t.Fatalf("status callbacks=%v, want a single false", gotCalls)
	}
}

func TestOAuthPlaneSkipsRefreshWithoutStoredCredential(t *testing.T) {
	p, _ := newTestOAuthPlane(t, "http://unused.invalid")

	called := false
	p.OnStatusChange(func(authenticated bool) { called = true })

	if err := p.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if called {
		t.Fatal("expected no status callback when there is no credential to refresh")
	}
}
