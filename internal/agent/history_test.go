package agent

import (
	"testing"
	"time"
)

func newTestRecord(agentID, executionID string, startedAt time.Time) ExecutionRecord {
	return ExecutionRecord{
		ExecutionID: executionID,
		AgentID:     agentID,
		StartedAt:   startedAt,
		CompletedAt: startedAt.Add(time.Second),
		DurationMs:  1000,
		Result:      ResultSuccess,
		OutputLines: 3,
	}
}

func TestHistorySaveThenList(t *testing.T) {
	h := NewHistoryStore(t.TempDir(), 1<<20, 100)
	rec := newTestRecord("a1", "e1", time.Now())

	if err := h.Save(rec, []byte("line one\nline two\n")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := h.List("a1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ExecutionID != "e1" {
		t.Fatalf("expected one record for e1, got %+v", recs)
	}
}

func TestHistoryPrunesOldestBeyondRetention(t *testing.T) {
	h := NewHistoryStore(t.TempDir(), 1<<20, 2)

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec := newTestRecord("a1", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := h.Save(rec, []byte("log")); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	recs, err := h.List("a1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected pruning down to 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.ExecutionID == "a" {
			t.Fatalf("expected oldest execution 'a' to have been pruned")
		}
	}
}

func TestHistoryTruncatesOversizedLog(t *testing.T) {
	h := NewHistoryStore(t.TempDir(), 10, 100)
	rec := newTestRecord("a1", "e1", time.Now())

	bigLog := make([]byte, 100)
	for i := range bigLog {
		bigLog[i] = 'x'
	}

	if err := h.Save(rec, bigLog); err != nil {
		t.Fatalf("Save: %v", err)
	}
	recs, err := h.List("a1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("List: recs=%v err=%v", recs, err)
	}

	got, err := h.ReadLog("a1", "e1")
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if want := "xxxxxxxxxx" + logTruncateMarker; string(got) != want {
		t.Fatalf("expected log cut to 10 bytes plus the truncation marker, got %q", got)
	}
}
