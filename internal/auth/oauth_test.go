package auth

import "testing"

func TestParseCodeInputBareCode(t *testing.T) {
	code, state, err := parseCodeInput("abc123")
	if err != nil {
		t.Fatalf("parseCodeInput: %v", err)
	}
	if code != "abc123" || state != "" {
		t.Fatalf("got code=%q state=%q", code, state)
	}
}

func TestParseCodeInputCodeHashState(t *testing.T) {
	code, state, err := parseCodeInput("abc123#xyz789")
	if err != nil {
		t.Fatalf("parseCodeInput: %v", err)
	}
	if code != "abc123" || state != "xyz789" {
		t.Fatalf("got code=%q state=%q", code, state)
	}
}

func TestParseCodeInputFullRedirectURL(t *testing.T) {
	code, state, err := parseCodeInput("https://example.com/callback?code=abc123&state=xyz789")
	if err != nil {
		t.Fatalf("parseCodeInput: %v", err)
	}
	if code != "abc123" || state != "xyz789" {
		t.Fatalf("got code=%q state=%q", code, state)
	}
}

func TestParseCodeInputRejectsEmpty(t *testing.T) {
	if _, _, err := parseCodeInput("   "); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestParseCodeInputRejectsURLWithoutCode(t *testing.T) {
	if _, _, err := parseCodeInput("https://example.com/callback?state=xyz789"); err == nil {
		t.Fatalf("expected error when code parameter missing")
	}
}
