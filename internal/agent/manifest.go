package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	manifestFileName = "agents.json"
	backupSuffix     = ".backup"
	configFileName   = "config.json"
	stateFileName    = "state.json"
)

// manifest is the persisted list of known agent ids.
type manifest struct {
	IDs []string `json:"ids"`
}

// Store persists agent config/state to <dir>/<id>/{config,state}.json plus
// a top-level manifest (and its .backup sibling) listing known ids.
type Store struct {
	dir string
	log *slog.Logger
}

func NewStore(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log}
}

func (s *Store) manifestPath() string       { return filepath.Join(s.dir, manifestFileName) }
func (s *Store) manifestBackupPath() string { return filepath.Join(s.dir, manifestFileName+backupSuffix) }
func (s *Store) agentDir(id string) string  { return filepath.Join(s.dir, id) }

// SaveAgent persists config and state for one agent. The manifest is not
// touched; callers that add or remove agents call SaveManifest themselves.
func (s *Store) SaveAgent(cfg Config, st State) error {
	dir := s.agentDir(cfg.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	cb, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, configFileName), cb, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	sb, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, stateFileName), sb, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	return nil
}

// DeleteAgent removes an agent's directory.
func (s *Store) DeleteAgent(id string) error {
	return os.RemoveAll(s.agentDir(id))
}

// LoadAgent reads config+state for a single id.
func (s *Store) LoadAgent(id string) (Config, State, error) {
	var cfg Config
	var st State

	cb, err := os.ReadFile(filepath.Join(s.agentDir(id), configFileName))
	if err != nil {
		return cfg, st, err
	}
	if err := json.Unmarshal(cb, &cfg); err != nil {
		return cfg, st, err
	}

	sb, err := os.ReadFile(filepath.Join(s.agentDir(id), stateFileName))
	if err != nil {
		return cfg, st, err
	}
	if err := json.Unmarshal(sb, &st); err != nil {
		return cfg, st, err
	}

	return cfg, st, nil
}

// SaveManifest writes the manifest and its backup atomically.
func (s *Store) SaveManifest(ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	b, err := json.MarshalIndent(manifest{IDs: sorted}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.manifestPath(), b, 0o600); err != nil {
		return err
	}
	// Best-effort backup; a missing backup just means reconstruction
	// falls through to the directory scan on the next failed load.
	_ = writeAtomic(s.manifestBackupPath(), b, 0o600)
	return nil
}

// LoadAll loads every agent, trying the manifest then its backup, and
// falling back to a directory scan if both are unreadable. Individual
// corrupt configs/states are skipped with a warning rather than failing
// the whole load.
func (s *Store) LoadAll() (map[string]manifestEntry, error) {
	ids, err := s.loadManifestIDs()
	if err != nil {
		ids, err = s.scanDirectoryForIDs()
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]manifestEntry, len(ids))
	for _, id := range ids {
		cfg, st, err := s.LoadAgent(id)
		if err != nil {
			s.log.Warn("skipping corrupt agent record", "agent_id", id, "error", err)
			continue
		}
		out[id] = manifestEntry{Config: cfg, State: st}
	}
	return out, nil
}

func (s *Store) loadManifestIDs() ([]string, error) {
	b, err := os.ReadFile(s.manifestPath())
	if err != nil {
		b, err = os.ReadFile(s.manifestBackupPath())
		if err != nil {
			return nil, err
		}
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m.IDs, nil
}

func (s *Store) scanDirectoryForIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), configFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	s.log.Warn("reconstructed agent manifest from directory scan", "count", len(ids))
	return ids, nil
}
