package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/codeck/daemon/internal/apperr"
)

type ticketRecord struct {
	sessionToken string
	expiresAt    time.Time
}

// TicketIssuer mints and consumes one-time WebSocket tickets derived from
// an active session, so the long-lived session token never has to appear
// in a URL. A ticket is valid for a single Consume call within its TTL.
type TicketIssuer struct {
	mu      sync.Mutex
	tickets map[string]ticketRecord
	ttl     time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewTicketIssuer(ttl, gcInterval time.Duration) *TicketIssuer {
	t := &TicketIssuer{
		tickets: make(map[string]ticketRecord),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.gcLoop(gcInterval)
	return t
}

func (t *TicketIssuer) Close() {
	close(t.done)
	t.wg.Wait()
}

// Issue mints a new ticket bound to sessionToken.
func (t *TicketIssuer) Issue(sessionToken string) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.Fatal, "generate ticket", err)
	}
	ticket := hex.EncodeToString(b)

	t.mu.Lock()
	t.tickets[ticket] = ticketRecord{
		sessionToken: sessionToken,
		expiresAt:    time.Now().Add(t.ttl),
	}
	t.mu.Unlock()

	return ticket, nil
}

// Consume validates and invalidates ticket in one step, returning the
// session token it was bound to. A ticket can only ever be consumed once.
func (t *TicketIssuer) Consume(ticket string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tickets[ticket]
	delete(t.tickets, ticket)
	if !ok {
		return "", false
	}
	if time.Now().After(rec.expiresAt) {
		return "", false
	}
	return rec.sessionToken, true
}

func (t *TicketIssuer) gcLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *TicketIssuer) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, rec := range t.tickets {
		if now.After(rec.expiresAt) {
			delete(t.tickets, k)
		}
	}
}
