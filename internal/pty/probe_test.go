package pty

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func TestFileConversationProbe_NoDirectory(t *testing.T) {
	probe := NewFileConversationProbe(t.TempDir())
	if _, ok := probe("/no/such/cwd"); ok {
		t.Fatal("expected no conversation for a cwd with no transcript directory")
	}
}

func TestFileConversationProbe_IgnoresMetadataOnlyFiles(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/op/project"
	dir := filepath.Join(root, encodeProjectPath(cwd))
	writeTranscript(t, dir, "empty-session.jsonl", `{"sessionId":"empty-session"}`+"\n")

	probe := NewFileConversationProbe(root)
	if _, ok := probe(cwd); ok {
		t.Fatal("expected no conversation for a metadata-only transcript")
	}
}

func TestFileConversationProbe_ReturnsMostRecentValidConversation(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/op/project"
	dir := filepath.Join(root, encodeProjectPath(cwd))

	writeTranscript(t, dir, "older.jsonl", `{"role":"user","content":"hi"}`+"\n")
	olderPath := filepath.Join(dir, "older.jsonl")
	oldTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(olderPath, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	writeTranscript(t, dir, "newer.jsonl", `{"role":"assistant","content":"hello"}`+"\n")

	probe := NewFileConversationProbe(root)
	id, ok := probe(cwd)
	if !ok {
		t.Fatal("expected a discovered conversation id")
	}
	if id != "newer" {
		t.Fatalf("id=%q, want %q", id, "newer")
	}
}

func TestEncodeProjectPath(t *testing.T) {
	got := encodeProjectPath("/home/op/my-project")
	want := "-home-op-my-project"
	if got != want {
		t.Fatalf("encodeProjectPath=%q, want %q", got, want)
	}
}
