package credstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeck/daemon/internal/apperr"
)

const (
	credFileName       = "credentials.json"
	backupSuffix       = ".backup"
	plaintextCacheName = ".credentials-token-cache" // distinct name; the upstream CLI never touches this
)

// envelope is the on-disk encrypted-v2 layout. A missing "v" field (or a
// document that doesn't parse as an envelope at all) is treated as the
// legacy plaintext Credential layout and transparently re-encrypted on the
// next write.
type envelope struct {
	V     int    `json:"v"`
	Nonce []byte `json:"-"`
	Blob  []byte `json:"blob"`
}

// Options configures a Store.
type Options struct {
	Dir            string // primary directory, typically <workspace>/.codeck
	MirrorDir      string // optional secondary directory the agent's own config also writes to
	EncryptionKey  string // explicit master-key override
	WatchDebounce  time.Duration
	DisableWatcher bool
}

// Store is the encrypted credential + password store for one workspace.
type Store struct {
	dir       string
	mirrorDir string
	key       []byte

	mu       sync.RWMutex
	cred     *Credential // authoritative in-memory copy; survives file deletion
	watcher  *watcher
}

// Open initialises a Store rooted at opts.Dir, creating the directory and
// encryption key if they don't already exist, and starts the backup-restore
// watcher unless disabled.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, apperr.New(apperr.Fatal, "credstore: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "create credential store dir", err)
	}

	key, err := deriveKey(opts.Dir, opts.EncryptionKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "derive encryption key", err)
	}

	s := &Store{
		dir:       opts.Dir,
		mirrorDir: opts.MirrorDir,
		key:       key,
	}

	// Warm the in-memory copy from disk, if present, so restarts don't
	// require a fresh login before the first write.
	if cred, err := s.readCredFromDisk(); err == nil {
		s.cred = cred
	}

	if !opts.DisableWatcher {
		debounce := opts.WatchDebounce
		if debounce <= 0 {
			debounce = 500 * time.Millisecond
		}
		w, err := newWatcher(opts.Dir, debounce, s.restoreFromBackupIfMissing)
		if err != nil {
			slog.Warn("credstore: failed to start backup watcher", "error", err)
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// Close stops the backup watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return nil
}

func (s *Store) credPath() string   { return filepath.Join(s.dir, credFileName) }
func (s *Store) backupPath() string { return s.credPath() + backupSuffix }
func (s *Store) cachePath() string  { return filepath.Join(s.dir, plaintextCacheName) }

// ReadCred returns the current credential, or nil if none is configured.
// The in-memory authoritative copy is preferred over disk so that a
// credential file deleted out-of-band while the process runs does not
// deauthenticate an already-running process.
func (s *Store) ReadCred() (*Credential, error) {
	s.mu.RLock()
	if s.cred != nil {
		c := *s.cred
		s.mu.RUnlock()
		return &c, nil
	}
	s.mu.RUnlock()

	cred, err := s.readCredFromDisk()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Transient, "read credential", err)
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return cred, nil
}

// readCredFromDisk reads and decrypts the credential file, repairing loose
// permissions and transparently handling the legacy plaintext layout.
func (s *Store) readCredFromDisk() (*Credential, error) {
	repairPermissions(s.credPath())

	raw, err := os.ReadFile(s.credPath())
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.V == 2 && len(env.Blob) > 0 {
		plaintext, err := open(s.key, env.Blob)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential: %w", err)
		}
		var cred Credential
		if err := json.Unmarshal(plaintext, &cred); err != nil {
			return nil, fmt.Errorf("parse decrypted credential: %w", err)
		}
		return &cred, nil
	}

	// Legacy plaintext layout: raw JSON of Credential.
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("parse legacy credential: %w", err)
	}
	return &cred, nil
}

// WriteCred encrypts and atomically persists cred, updating the in-memory
// authoritative copy, the plaintext cache, the backup, and (if configured)
// the mirror directory used by the agent's own config.
func (s *Store) WriteCred(cred *Credential) error {
	if cred == nil {
		return apperr.New(apperr.Validation, "credential is nil")
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return apperr.Wrap(apperr.Validation, "marshal credential", err)
	}
	blob, err := seal(s.key, plaintext)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, "encrypt credential", err)
	}
	envBytes, err := json.Marshal(envelope{V: 2, Blob: blob})
	if err != nil {
		return apperr.Wrap(apperr.Fatal, "marshal envelope", err)
	}

	if err := writeAtomic(s.credPath(), envBytes, 0o600); err != nil {
		return apperr.Wrap(apperr.Transient, "write credential", err)
	}
	_ = writeAtomic(s.backupPath(), envBytes, 0o600)
	_ = writeAtomic(s.cachePath(), []byte(cred.AccessToken), 0o600)

	if s.mirrorDir != "" {
		if err := os.MkdirAll(s.mirrorDir, 0o755); err == nil {
			_ = writeAtomic(filepath.Join(s.mirrorDir, credFileName), envBytes, 0o600)
		}
	}

	s.mu.Lock()
	c := *cred
	s.cred = &c
	s.mu.Unlock()

	return nil
}

// restoreFromBackupIfMissing is invoked by the directory watcher when the
// primary credential file disappears; it restores it from .backup so an
// accidental deletion (or the upstream CLI overwriting the file with a
// transient empty state) self-heals.
func (s *Store) restoreFromBackupIfMissing() {
	if _, err := os.Stat(s.credPath()); err == nil {
		return
	}
	backup, err := os.ReadFile(s.backupPath())
	if err != nil {
		return
	}
	if err := writeAtomic(s.credPath(), backup, 0o600); err != nil {
		slog.Warn("credstore: failed to restore credential from backup", "error", err)
		return
	}
	slog.Info("credstore: restored credential file from backup")
}

const authFileName = "auth.json"

func (s *Store) authPath() string { return filepath.Join(s.dir, authFileName) }

// ReadPassword returns the operator password record, or nil if password
// auth has not been configured yet.
func (s *Store) ReadPassword() (*PasswordRecord, error) {
	repairPermissions(s.authPath())

	raw, err := os.ReadFile(s.authPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Transient, "read password record", err)
	}

	var rec PasswordRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "parse password record", err)
	}
	return &rec, nil
}

// WritePassword atomically persists the operator password record.
func (s *Store) WritePassword(rec *PasswordRecord) error {
	if rec == nil {
		return apperr.New(apperr.Validation, "password record is nil")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.Validation, "marshal password record", err)
	}
	if err := writeAtomic(s.authPath(), raw, 0o600); err != nil {
		return apperr.Wrap(apperr.Transient, "write password record", err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory as path and
// renames it into place, removing the temp file on any failure. This makes
// every write either fully observed or entirely absent.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
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
	cleanup = false
	return nil
}

// repairPermissions tightens a file's mode to owner-only if it is looser,
// ignoring errors for files that don't exist.
func repairPermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			slog.Warn("credstore: failed to repair file permissions", "path", path, "error", err)
		}
	}
}
