package auth

import (
	"testing"
	"time"
)

func TestIssueThenConsumeOnce(t *testing.T) {
	ti := NewTicketIssuer(time.Minute, time.Hour)
	defer ti.Close()

	ticket, err := ti.Issue("sess-token-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	token, ok := ti.Consume(ticket)
	if !ok || token != "sess-token-abc" {
		t.Fatalf("expected consume to succeed with bound token, got ok=%v token=%q", ok, token)
	}

	if _, ok := ti.Consume(ticket); ok {
		t.Fatalf("expected second consume of same ticket to fail")
	}
}

func TestConsumeExpiredTicketFails(t *testing.T) {
	ti := NewTicketIssuer(10*time.Millisecond, time.Hour)
	defer ti.Close()

	ticket, err := ti.Issue("sess-token-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok := ti.Consume(ticket); ok {
		t.Fatalf("expected expired ticket to fail")
	}
}

func TestConsumeUnknownTicketFails(t *testing.T) {
	ti := NewTicketIssuer(time.Minute, time.Hour)
	defer ti.Close()

	if _, ok := ti.Consume("never-issued"); ok {
		t.Fatalf("expected unknown ticket to fail")
	}
}
