package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/codeck/daemon/internal/apperr"
	"github.com/codeck/daemon/internal/credstore"
)

// oauthPhase tracks the PKCE login state machine:
//
//	Idle --startLogin--> AwaitingCode --sendCode--> Exchanging --ok--> Idle
//	                          |                          |
//	                          |                          `-fail-> Idle
//	                          `-cancel/timeout(5m)-> Idle
type oauthPhase int

const (
	phaseIdle oauthPhase = iota
	phaseAwaitingCode
	phaseExchanging
)

const pkceTimeout = 5 * time.Minute

// pkceState is the in-flight login attempt, persisted so a server restart
// mid-login does not strand the operator.
type pkceState struct {
	Verifier  string    `json:"verifier"`
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	StartedAt time.Time `json:"startedAt"`
}

const pkceStateFileName = "oauth-pkce.json"

// OAuthPlane drives the upstream OAuth 2.0 PKCE login and the background
// token refresh loop. Only one login attempt is in flight at a time.
type OAuthPlane struct {
	cfg   *oauth2.Config
	store *credstore.Store

	mu         sync.Mutex
	phase      oauthPhase
	inFlight   *pkceState
	refreshing bool

	storeDir string

	refreshMargin   time.Duration
	refreshInterval time.Duration

	onStatusChange func(authenticated bool)

	done chan struct{}
	wg   sync.WaitGroup
}

// OnStatusChange registers a callback fired after a background refresh
// attempt succeeds or fails, so a consumer (the Gateway) can push the new
// authenticated state to attached clients without polling.
func (p *OAuthPlane) OnStatusChange(fn func(authenticated bool)) {
	p.mu.Lock()
	p.onStatusChange = fn
	p.mu.Unlock()
}

func NewOAuthPlane(cfg *oauth2.Config, store *credstore.Store, storeDir string, refreshInterval, refreshMargin time.Duration) *OAuthPlane {
	p := &OAuthPlane{
		cfg:             cfg,
		store:           store,
		storeDir:        storeDir,
		refreshInterval: refreshInterval,
		refreshMargin:   refreshMargin,
		done:            make(chan struct{}),
	}
	p.loadPKCEState()

	p.wg.Add(1)
	go p.refreshLoop()

	return p
}

func (p *OAuthPlane) Close() {
	close(p.done)
	p.wg.Wait()
}

// StartLogin generates a fresh PKCE verifier/challenge and state, persists
// them, and returns the authorization URL the operator should visit.
func (p *OAuthPlane) StartLogin(ctx context.Context) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomHex(16)
	if err != nil {
		return "", apperr.Wrap(apperr.Fatal, "generate oauth state", err)
	}
	nonce, err := randomHex(16)
	if err != nil {
		return "", apperr.Wrap(apperr.Fatal, "generate oauth nonce", err)
	}

	st := &pkceState{
		Verifier:  verifier,
		State:     state,
		Nonce:     nonce,
		StartedAt: time.Now(),
	}

	p.mu.Lock()
	p.phase = phaseAwaitingCode
	p.inFlight = st
	p.mu.Unlock()
	p.persistPKCEState(st)

	url := p.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return url, nil
}

// CancelLogin aborts an in-flight login attempt, if any.
func (p *OAuthPlane) CancelLogin() {
	p.mu.Lock()
	p.phase = phaseIdle
	p.inFlight = nil
	p.mu.Unlock()
	p.clearPKCEState()
}

// SendCode completes the PKCE exchange. raw may be a bare code, a
// "code#state" pair, or a full redirect URL. A direct long-lived token is
// not recognised as such: it is sent to the token endpoint as if it were an
// authorization code.
func (p *OAuthPlane) SendCode(ctx context.Context, raw string) error {
	p.mu.Lock()
	st := p.inFlight
	if st == nil {
		p.mu.Unlock()
		return apperr.New(apperr.Validation, "no login in progress")
	}
	if time.Since(st.StartedAt) > pkceTimeout {
		p.phase = phaseIdle
		p.inFlight = nil
		p.mu.Unlock()
		p.clearPKCEState()
		return apperr.New(apperr.Validation, "login attempt timed out")
	}
	p.phase = phaseExchanging
	p.mu.Unlock()

	code, state, err := parseCodeInput(raw)
	if err != nil {
		p.failLogin()
		return apperr.Wrap(apperr.Validation, "parse code input", err)
	}
	if state != "" && state != st.State {
		p.failLogin()
		return apperr.New(apperr.Validation, "state mismatch")
	}

	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		p.failLogin()
		return apperr.Wrap(apperr.Transient, "exchange code", err)
	}

	cred := &credstore.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Version:      1,
	}
	if info, err := extractAccountInfo(tok); err == nil {
		cred.AccountInfo = info
	}

	if err := p.store.WriteCred(cred); err != nil {
		p.failLogin()
		return apperr.Wrap(apperr.Fatal, "persist credential", err)
	}

	p.mu.Lock()
	p.phase = phaseIdle
	p.inFlight = nil
	p.mu.Unlock()
	p.clearPKCEState()

	return nil
}

func (p *OAuthPlane) failLogin() {
	p.mu.Lock()
	p.phase = phaseIdle
	p.inFlight = nil
	p.mu.Unlock()
	p.clearPKCEState()
}

// RefreshNow triggers an out-of-band refresh, e.g. after a consumer
// observes a 401 from the upstream API.
func (p *OAuthPlane) RefreshNow(ctx context.Context) error {
	return p.refresh(ctx)
}

func (p *OAuthPlane) refreshLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = p.refresh(ctx)
			cancel()
		}
	}
}

func (p *OAuthPlane) refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.refreshing {
		p.mu.Unlock()
		return nil
	}
	p.refreshing = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.refreshing = false
		p.mu.Unlock()
	}()

	cred, err := p.store.ReadCred()
	if err != nil || cred == nil || cred.RefreshToken == "" {
		return err
	}
	if time.Until(cred.ExpiresAt) > p.refreshMargin {
		return nil
	}

	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		p.notifyStatus(false)
		return apperr.Wrap(apperr.Transient, "refresh token", err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.ExpiresAt = tok.Expiry
	if err := p.store.WriteCred(cred); err != nil {
		p.notifyStatus(false)
		return err
	}
	p.notifyStatus(true)
	return nil
}

func (p *OAuthPlane) notifyStatus(authenticated bool) {
	p.mu.Lock()
	fn := p.onStatusChange
	p.mu.Unlock()
	if fn != nil {
		fn(authenticated)
	}
}

func (p *OAuthPlane) pkcePath() string {
	return filepath.Join(p.storeDir, pkceStateFileName)
}

func (p *OAuthPlane) persistPKCEState(st *pkceState) {
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = writeAtomicFile(p.pkcePath(), b, 0o600)
}

func (p *OAuthPlane) clearPKCEState() {
	_ = os.Remove(p.pkcePath())
}

func (p *OAuthPlane) loadPKCEState() {
	b, err := os.ReadFile(p.pkcePath())
	if err != nil {
		return
	}
	var st pkceState
	if err := json.Unmarshal(b, &st); err != nil {
		return
	}
	if time.Since(st.StartedAt) > pkceTimeout {
		_ = os.Remove(p.pkcePath())
		return
	}
	p.phase = phaseAwaitingCode
	p.inFlight = &st
}

// parseCodeInput accepts a raw authorization code, a "code#state" pair, or
// a full redirect URL and extracts (code, state). state is empty when not
// present in the input, in which case the caller skips the CSRF state
// comparison (a bare code carries no state to compare).
func parseCodeInput(raw string) (code, state string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("empty code input")
	}

	if strings.Contains(raw, "://") {
		idx := strings.Index(raw, "?")
		if idx < 0 {
			return "", "", fmt.Errorf("redirect URL has no query parameters")
		}
		raw = raw[idx+1:]
		return parseQueryCodeState(raw)
	}

	if idx := strings.Index(raw, "#"); idx >= 0 {
		return raw[:idx], raw[idx+1:], nil
	}

	if strings.Contains(raw, "code=") {
		return parseQueryCodeState(raw)
	}

	return raw, "", nil
}

func parseQueryCodeState(q string) (code, state string, err error) {
	for _, part := range strings.Split(q, "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "code":
			code = kv[1]
		case "state":
			state = kv[1]
		}
	}
	if code == "" {
		return "", "", fmt.Errorf("no code parameter found")
	}
	return code, state, nil
}

func extractAccountInfo(tok *oauth2.Token) (credstore.AccountInfo, error) {
	email, _ := tok.Extra("email").(string)
	accountUUID, _ := tok.Extra("account_uuid").(string)
	orgName, _ := tok.Extra("org_name").(string)
	orgUUID, _ := tok.Extra("org_uuid").(string)
	return credstore.AccountInfo{
		Email:       email,
		AccountUUID: accountUUID,
		OrgName:     orgName,
		OrgUUID:     orgUUID,
	}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
