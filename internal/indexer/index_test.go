package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestIndexer(t *testing.T) (*Indexer, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "memory.sqlite"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := NewIndexer(store, []string{dir}, 200, nil, 0, 0)
	return idx, dir
}

func TestIndexFile_SkipsUnchangedHash(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\nhello world\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := idx.IndexFile(path); err != nil {
		t.Fatalf("first index: %v", err)
	}
	var count int
	if err := idx.store.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE file_path = ?`, path).Scan(&count); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected at least one chunk after indexing")
	}

	// Re-indexing unchanged content must not duplicate or error.
	if err := idx.IndexFile(path); err != nil {
		t.Fatalf("second index: %v", err)
	}
	var countAgain int
	idx.store.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE file_path = ?`, path).Scan(&countAgain)
	if countAgain != count {
		t.Fatalf("expected chunk count unchanged at %d, got %d", count, countAgain)
	}
}

func TestFullSweep_DeletesVanishedFiles(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "temp.md")
	if err := os.WriteFile(path, []byte("# Temp\nephemeral\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := idx.FullSweep(); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	var before int
	idx.store.db.QueryRow(`SELECT COUNT(*) FROM files WHERE path = ?`, path).Scan(&before)
	if before != 1 {
		t.Fatalf("expected file row present after first sweep, got count %d", before)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	if err := idx.FullSweep(); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	var after int
	idx.store.db.QueryRow(`SELECT COUNT(*) FROM files WHERE path = ?`, path).Scan(&after)
	if after != 0 {
		t.Fatalf("expected file row pruned after vanishing, got count %d", after)
	}
}

func TestQuery_FindsIndexedContent(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "decisions.md")
	if err := os.WriteFile(path, []byte("# ADR\nwe chose postgres for durability\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := idx.IndexFile(path); err != nil {
		t.Fatalf("index file: %v", err)
	}

	results, err := idx.store.Query(context.Background(), "postgres", nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].Path != path {
		t.Fatalf("expected result path %q, got %q", path, results[0].Path)
	}
}

func TestQuery_EmptyQueryReturnsNoResults(t *testing.T) {
	idx, _ := newTestIndexer(t)
	results, err := idx.store.Query(context.Background(), "   ", nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for empty query, got %v", results)
	}
}
