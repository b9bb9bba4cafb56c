package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AtomicWriter writes files via temp-then-rename and rejects re-entrant
// concurrent writes to the same path, catching accidental overlap rather
// than silently serializing it.
type AtomicWriter struct {
	mu      sync.Mutex
	writing map[string]bool
}

func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{writing: make(map[string]bool)}
}

// Write redacts content then writes it to path atomically. perm defaults
// to owner-only (0600) when zero.
func (w *AtomicWriter) Write(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}

	w.mu.Lock()
	if w.writing[path] {
		w.mu.Unlock()
		return fmt.Errorf("concurrent write rejected: %s is already being written", path)
	}
	w.writing[path] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.writing, path)
		w.mu.Unlock()
	}()

	sanitized := Redact(string(content))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(sanitized); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Append redacts content and appends it to path, creating it if absent.
// Unlike Write, this is not atomic at the filesystem level (append cannot
// be), but still honors the active-write rejection and owner-only mode.
func (w *AtomicWriter) Append(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}

	w.mu.Lock()
	if w.writing[path] {
		w.mu.Unlock()
		return fmt.Errorf("concurrent write rejected: %s is already being written", path)
	}
	w.writing[path] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.writing, path)
		w.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	defer f.Close()

	sanitized := Redact(string(content))
	if _, err := f.WriteString(sanitized); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}
