package auth

import (
	"sync"
	"time"
)

// bruteForceRecord tracks consecutive login failures for one source IP.
type bruteForceRecord struct {
	failCount   int
	lastFailure time.Time
	lockedUntil time.Time
}

// bruteForceTable is an in-process per-IP lockout table. After maxFailures
// consecutive failures within window, the IP is locked for lockout,
// including attempts that supply the correct password.
type bruteForceTable struct {
	mu          sync.Mutex
	records     map[string]*bruteForceRecord
	maxFailures int
	window      time.Duration
	lockout     time.Duration
}

func newBruteForceTable(maxFailures int, window, lockout time.Duration) *bruteForceTable {
	return &bruteForceTable{
		records:     make(map[string]*bruteForceRecord),
		maxFailures: maxFailures,
		window:      window,
		lockout:     lockout,
	}
}

// locked reports whether ip is currently locked out and, if so, how long
// until the lockout clears.
func (t *bruteForceTable) locked(ip string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ip]
	if !ok {
		return false, 0
	}
	now := time.Now()
	if rec.lockedUntil.IsZero() || now.After(rec.lockedUntil) {
		return false, 0
	}
	return true, rec.lockedUntil.Sub(now)
}

// recordFailure increments the failure count for ip, resetting it if the
// prior window has elapsed since the last recorded failure, and locks the
// IP once the threshold is reached within that window. Returns whether the
// IP is now locked and for how long.
func (t *bruteForceTable) recordFailure(ip string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	rec, ok := t.records[ip]
	if !ok {
		rec = &bruteForceRecord{}
		t.records[ip] = rec
	} else if t.window > 0 && !rec.lastFailure.IsZero() && now.Sub(rec.lastFailure) > t.window {
		rec.failCount = 0
	}

	rec.failCount++
	rec.lastFailure = now
	if rec.failCount >= t.maxFailures {
		rec.lockedUntil = now.Add(t.lockout)
		return true, t.lockout
	}
	return false, 0
}

// recordSuccess clears the failure counter for ip.
func (t *bruteForceTable) recordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, ip)
}
