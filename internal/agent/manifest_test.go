package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAgentThenLoadAll(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	cfg := Config{ID: "a1", Name: "reviewer", CronExpr: "*/5 * * * *", Cwd: "/w", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st := State{Status: StatusActive}

	if err := s.SaveAgent(cfg, st); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := s.SaveManifest([]string{"a1"}); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	entry, ok := all["a1"]
	if !ok {
		t.Fatalf("expected agent a1 to be loaded")
	}
	if entry.Config.Name != "reviewer" {
		t.Fatalf("expected name 'reviewer', got %q", entry.Config.Name)
	}
}

func TestLoadAllFallsBackToDirectoryScanWhenManifestMissing(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	cfg := Config{ID: "a2", Name: "scanner", CronExpr: "0 * * * *", Cwd: "/w"}
	if err := s.SaveAgent(cfg, State{Status: StatusActive}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	// No SaveManifest call: agents.json and its backup are both absent.

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := all["a2"]; !ok {
		t.Fatalf("expected directory-scan reconstruction to find agent a2")
	}
}

func TestLoadAllSkipsCorruptAgentRecord(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	good := Config{ID: "good", Name: "good-agent", CronExpr: "* * * * *", Cwd: "/w"}
	if err := s.SaveAgent(good, State{Status: StatusActive}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	corruptDir := filepath.Join(dir, "bad")
	if err := os.MkdirAll(corruptDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, configFileName), []byte("not json"), 0o600); err != nil {
		t.Fatalf("write corrupt config: %v", err)
	}

	if err := s.SaveManifest([]string{"good", "bad"}); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := all["good"]; !ok {
		t.Fatalf("expected good agent to load")
	}
	if _, ok := all["bad"]; ok {
		t.Fatalf("expected corrupt agent to be skipped, not present")
	}
}

func TestDeleteAgentRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	cfg := Config{ID: "a3", Name: "temp", CronExpr: "* * * * *", Cwd: "/w"}
	if err := s.SaveAgent(cfg, State{Status: StatusActive}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := s.DeleteAgent("a3"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := os.Stat(s.agentDir("a3")); !os.IsNotExist(err) {
		t.Fatalf("expected agent directory to be removed, err=%v", err)
	}
}
