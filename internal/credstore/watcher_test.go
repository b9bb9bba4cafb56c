package credstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherRestoresCredentialFromBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, WatchDebounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteCred(&Credential{AccessToken: "before-delete"}); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}
	if err := os.Remove(s.credPath()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.credPath()); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("credential file was not restored from backup within deadline")
}

func TestWriteAtomicLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")
	if err := writeAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}
