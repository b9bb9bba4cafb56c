package auth

import (
	"testing"
	"time"
)

func TestBruteForceLocksAfterMaxFailures(t *testing.T) {
	bf := newBruteForceTable(3, time.Minute, 10*time.Minute)

	for i := 0; i < 2; i++ {
		if locked, _ := bf.recordFailure("1.1.1.1"); locked {
			t.Fatalf("attempt %d: should not be locked yet", i+1)
		}
	}
	locked, d := bf.recordFailure("1.1.1.1")
	if !locked {
		t.Fatalf("expected lock on 3rd failure")
	}
	if d != 10*time.Minute {
		t.Fatalf("expected lockout duration of 10m, got %v", d)
	}

	ok, remaining := bf.locked("1.1.1.1")
	if !ok || remaining <= 0 {
		t.Fatalf("expected locked() to report active lockout, got ok=%v remaining=%v", ok, remaining)
	}
}

func TestBruteForceSuccessClearsCounter(t *testing.T) {
	bf := newBruteForceTable(3, time.Minute, 10*time.Minute)
	bf.recordFailure("2.2.2.2")
	bf.recordFailure("2.2.2.2")
	bf.recordSuccess("2.2.2.2")

	if locked, _ := bf.recordFailure("2.2.2.2"); locked {
		t.Fatalf("counter should have reset after success")
	}
}

func TestBruteForceResetsCounterAfterWindowElapses(t *testing.T) {
	bf := newBruteForceTable(3, 20*time.Millisecond, 10*time.Minute)

	bf.recordFailure("3.3.3.3")
	bf.recordFailure("3.3.3.3")

	time.Sleep(30 * time.Millisecond)

	// The window elapsed since the last failure, so this is back to a
	// first failure, not a third — it must not lock.
	if locked, _ := bf.recordFailure("3.3.3.3"); locked {
		t.Fatalf("expected failure count to reset once the window elapsed")
	}
}

func TestBruteForceUnknownIPIsNotLocked(t *testing.T) {
	bf := newBruteForceTable(3, time.Minute, 10*time.Minute)
	if locked, remaining := bf.locked("9.9.9.9"); locked || remaining != 0 {
		t.Fatalf("expected unknown IP to be unlocked, got locked=%v remaining=%v", locked, remaining)
	}
}
