package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeck/daemon/internal/apperr"
)

const (
	memoryDirName   = "memory"
	sessionsDirName = "sessions"
	stateDirName    = "state"
	dailyDirName    = "daily"
	decisionsDir    = "decisions"
	pathsDirName    = "paths"

	durableFileName    = "MEMORY.md"
	pathsStateFileName = "paths.json"
	flushStateFileName = "flush_state.json"

	globalScopeKey = "global"

	// contextFileName is the per-cwd instruction file the memory-context
	// block is injected into before a new agent session is spawned.
	contextFileName = ".codeck-context.md"
)

// Store is the hierarchical markdown/JSONL memory store rooted at
// <workspace>/.codeck. It owns path-id resolution, the atomic/redacted
// writer, and flush-cooldown bookkeeping; transcript capture and
// summarization (transcript.go, summary.go) build on top of it.
type Store struct {
	root   string // <workspace>/.codeck
	writer *AtomicWriter
	paths  *PathRegistry

	flushMu       sync.Mutex
	lastFlush     map[string]time.Time
	flushCooldown time.Duration
}

func NewStore(root string, flushCooldown time.Duration) *Store {
	if flushCooldown <= 0 {
		flushCooldown = 30 * time.Second
	}
	return &Store{
		root:          root,
		writer:        NewAtomicWriter(),
		paths:         NewPathRegistry(),
		lastFlush:     make(map[string]time.Time),
		flushCooldown: flushCooldown,
	}
}

func (s *Store) Root() string { return s.root }

func (s *Store) memoryDir() string   { return filepath.Join(s.root, memoryDirName) }
func (s *Store) sessionsDir() string { return filepath.Join(s.root, sessionsDirName) }
func (s *Store) stateDir() string    { return filepath.Join(s.root, stateDirName) }

func (s *Store) pathsStatePath() string { return filepath.Join(s.stateDir(), pathsStateFileName) }
func (s *Store) flushStatePath() string { return filepath.Join(s.stateDir(), flushStateFileName) }

// SessionTranscriptPath returns the jsonl path for a session id.
func (s *Store) SessionTranscriptPath(sessionID string) string {
	return filepath.Join(s.sessionsDir(), sessionID+".jsonl")
}

// ResolvePath returns the pathId for cwd, creating one on first use and
// persisting the path->id table so restarts stay consistent.
func (s *Store) ResolvePath(cwd string) (string, error) {
	id, err := s.paths.Resolve(cwd)
	if err != nil {
		return "", apperr.Wrap(apperr.Conflict, "resolve path id", err)
	}
	s.savePathsState()
	return id, nil
}

// scopeDir returns the root directory for a scope: memory/ for global, or
// memory/paths/<pathId>/ for a path scope.
func (s *Store) scopeDir(scope string) string {
	if scope == "" || scope == globalScopeKey {
		return s.memoryDir()
	}
	return filepath.Join(s.memoryDir(), pathsDirName, scope)
}

func (s *Store) durablePath(scope string) string {
	return filepath.Join(s.scopeDir(scope), durableFileName)
}

func (s *Store) dailyPath(scope string, date time.Time) string {
	return filepath.Join(s.scopeDir(scope), dailyDirName, date.Format("2006-01-02")+".md")
}

func (s *Store) decisionPath(scope, slug string, date time.Time) string {
	name := fmt.Sprintf("ADR-%s-%s.md", date.Format("2006-01-02"), slug)
	return filepath.Join(s.scopeDir(scope), decisionsDir, name)
}

// AppendDurable appends content to a scope's global durable MEMORY.md.
func (s *Store) AppendDurable(scope, content string) error {
	return s.writer.Append(s.durablePath(scope), []byte(content), 0o600)
}

// AppendDaily appends content to today's daily note for scope.
func (s *Store) AppendDaily(scope, content string) error {
	return s.writer.Append(s.dailyPath(scope, time.Now()), []byte(content), 0o600)
}

// WriteDecision records a new ADR for scope.
func (s *Store) WriteDecision(scope, slug, content string) error {
	return s.writer.Write(s.decisionPath(scope, slug, time.Now()), []byte(content), 0o600)
}

// ContextBlock assembles the memory-context block injected into a newly
// spawned agent session's instruction file: the global durable memory
// followed by the scope's own durable memory, if any. Missing files
// contribute nothing rather than an error, since a fresh path has no
// memory yet.
func (s *Store) ContextBlock(scope string) (string, error) {
	var b strings.Builder

	global, err := s.readDurableIfExists(globalScopeKey)
	if err != nil {
		return "", err
	}
	if global != "" {
		b.WriteString("## Global memory\n\n")
		b.WriteString(global)
		b.WriteString("\n")
	}

	if scope != "" && scope != globalScopeKey {
		scoped, err := s.readDurableIfExists(scope)
		if err != nil {
			return "", err
		}
		if scoped != "" {
			b.WriteString("\n## Path memory\n\n")
			b.WriteString(scoped)
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

func (s *Store) readDurableIfExists(scope string) (string, error) {
	b, err := os.ReadFile(s.durablePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", apperr.Wrap(apperr.Transient, "read durable memory", err)
	}
	return string(b), nil
}

// ContextFilePath returns the per-session instruction file a spawned
// agent's memory-context block is written to, rooted in cwd rather than
// the workspace store so it travels with the session's working directory.
func (s *Store) ContextFilePath(cwd string) string {
	return filepath.Join(cwd, contextFileName)
}

// WriteContextFile writes block to cwd's instruction file, redacted and
// atomic like every other memory write. A blank block is a no-op: there is
// nothing to inject yet for a path with no prior memory.
func (s *Store) WriteContextFile(cwd, block string) error {
	if strings.TrimSpace(block) == "" {
		return nil
	}
	return s.writer.Write(s.ContextFilePath(cwd), []byte(block), 0o600)
}

// ReadFile returns the raw (already-on-disk, already-redacted) content of a
// memory file addressed relative to the scope's directory, e.g. "MEMORY.md"
// or "daily/2024-05-01.md".
func (s *Store) ReadFile(scope, relPath string) ([]byte, error) {
	full := filepath.Join(s.scopeDir(scope), filepath.Clean("/"+relPath))
	b, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.NotFound, "memory file not found")
		}
		return nil, apperr.Wrap(apperr.Transient, "read memory file", err)
	}
	return b, nil
}

// TreeEntry describes one file in a scope's memory tree listing.
type TreeEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Tree lists every markdown file under a scope, relative to the scope root.
func (s *Store) Tree(scope string) ([]TreeEntry, error) {
	root := s.scopeDir(scope)
	var out []TreeEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, TreeEntry{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Transient, "walk memory tree", err)
	}
	return out, nil
}

// Flush appends a tagged summary line to today's daily note for scope,
// rate-limited to once per flushCooldown. On a too-soon call it returns a
// Conflict error carrying the remaining-cooldown hint.
func (s *Store) Flush(scope, note string) error {
	s.flushMu.Lock()
	last, ok := s.lastFlush[scope]
	now := time.Now()
	if ok {
		if remaining := s.flushCooldown - now.Sub(last); remaining > 0 {
			s.flushMu.Unlock()
			return apperr.New(apperr.Conflict, "flush is on cooldown").
				WithHint(fmt.Sprintf("retry in %ds", int(remaining.Seconds())+1))
		}
	}
	s.lastFlush[scope] = now
	s.flushMu.Unlock()
	s.saveFlushState()

	line := fmt.Sprintf("\n- %s [flush] %s\n", now.Format(time.RFC3339), note)
	return s.AppendDaily(scope, line)
}

// --- state persistence: state/paths.json, state/flush_state.json ---

func (s *Store) savePathsState() {
	snap := s.paths.Snapshot()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = s.writer.Write(s.pathsStatePath(), b, 0o600)
}

// LoadPathsState seeds the path registry from a prior run, if present.
func (s *Store) LoadPathsState() error {
	b, err := os.ReadFile(s.pathsStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap map[string]string
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	return s.paths.LoadKnown(snap)
}

type persistedFlushState struct {
	LastFlush map[string]time.Time `json:"lastFlush"`
}

func (s *Store) saveFlushState() {
	s.flushMu.Lock()
	cp := make(map[string]time.Time, len(s.lastFlush))
	for k, v := range s.lastFlush {
		cp[k] = v
	}
	s.flushMu.Unlock()

	b, err := json.MarshalIndent(persistedFlushState{LastFlush: cp}, "", "  ")
	if err != nil {
		return
	}
	_ = s.writer.Write(s.flushStatePath(), b, 0o600)
}

// LoadFlushState restores the flush-cooldown table from a prior run.
func (s *Store) LoadFlushState() error {
	b, err := os.ReadFile(s.flushStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st persistedFlushState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	s.flushMu.Lock()
	s.lastFlush = st.LastFlush
	if s.lastFlush == nil {
		s.lastFlush = make(map[string]time.Time)
	}
	s.flushMu.Unlock()
	return nil
}
