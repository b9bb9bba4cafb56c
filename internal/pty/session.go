// Package pty provides PTY session management: spawning interactive shell
// and headless agent sessions, multi-client attach/fan-out, bounded output
// replay, and crash-safe snapshot persistence.
package pty

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Kind distinguishes a coding-agent session from a plain interactive shell.
type Kind string

const (
	KindAgent Kind = "agent"
	KindShell Kind = "shell"
)

// ResumePolicy controls how createAgentSession treats prior state for a cwd.
type ResumePolicy string

const (
	ResumeFresh       ResumePolicy = "fresh"
	ResumeContinue    ResumePolicy = "continue"
	ResumeByID        ResumePolicy = "resumeById"
	ResumeInteractive ResumePolicy = "resumeInteractive"
)

// Session is one PTY-backed child process: an agent or a shell.
type Session struct {
	ID          string
	Kind        Kind
	Cwd         string
	DisplayName string
	CreatedAt   time.Time
	LastActive  time.Time

	Cmd *exec.Cmd
	Pty *os.File

	Rows int
	Cols int

	mu sync.RWMutex

	attachedWriters map[io.Writer]struct{}

	IsOrphaned    bool
	OrphanedAt    time.Time
	ProcessExited bool
	ExitCode      int

	OutputBuffer *RingBuffer
	orphanTimer  *time.Timer

	conversationID string

	onClose func()
	log     *slog.Logger
}

// Info is a lightweight, lock-free snapshot of a session for listing.
type Info struct {
	ID             string
	Kind           Kind
	DisplayName    string
	Status         string // "running" or "exited"
	CreatedAt      time.Time
	LastActivityAt time.Time
	Cwd            string
	Attached       bool
	ConversationID string
}

// Config holds the parameters for spawning a new session.
type Config struct {
	ID               string
	Kind             Kind
	DisplayName      string
	Shell            string
	Rows             int
	Cols             int
	Env              []string
	WorkDir          string
	OnClose          func()
	OutputBufferSize int
	Logger           *slog.Logger
}

// NewSession spawns a PTY-backed child process per cfg.
func NewSession(cfg Config) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(append([]string{}, cfg.Env...), "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	return &Session{
		ID:              cfg.ID,
		Kind:            cfg.Kind,
		Cwd:             cfg.WorkDir,
		DisplayName:     cfg.DisplayName,
		Cmd:             cmd,
		Pty:             ptmx,
		Rows:            rows,
		Cols:            cols,
		CreatedAt:       now,
		LastActive:      now,
		onClose:         cfg.OnClose,
		OutputBuffer:    NewRingBuffer(cfg.OutputBufferSize),
		attachedWriters: make(map[io.Writer]struct{}),
		log:             logger,
	}, nil
}

// Attach registers w to receive live output going forward. Once registered,
// the output reader stops buffering into OutputBuffer and delivers directly
// to w instead, so callers should call Attach first and only then drain and
// reset OutputBuffer for the pre-attach backlog — draining beforehand risks
// losing output produced in the gap between the drain and the registration.
func (s *Session) Attach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedWriters[w] = struct{}{}
}

// Detach removes w from the set of live-output recipients.
func (s *Session) Detach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachedWriters, w)
}

// AttachedCount returns the number of clients currently attached.
func (s *Session) AttachedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attachedWriters)
}

// SetConversationID records the upstream agent's discovered conversation id.
// It is set exactly once; later calls are no-ops to honor the "derived by
// observation, never supplied by clients" invariant.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
	}
}

func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Rename updates the display name shown in session listings.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisplayName = name
}

// GetExitCode returns the child's exit code; meaningful only once
// ProcessExited (observable via Info().Status == "exited") is true.
func (s *Session) GetExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExitCode
}

// Info returns a point-in-time snapshot of this session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := "running"
	if s.ProcessExited {
		status = "exited"
	}

	return Info{
		ID:             s.ID,
		Kind:           s.Kind,
		DisplayName:    s.DisplayName,
		Status:         status,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActive,
		Cwd:            s.Cwd,
		Attached:       len(s.attachedWriters) > 0,
		ConversationID: s.conversationID,
	}
}

// Write writes input to the child's PTY. Callers are expected to have
// already enforced the per-frame size limit before reaching here.
func (s *Session) Write(p []byte) (int, error) {
	s.updateLastActive()
	return s.Pty.Write(p)
}

// Dims returns the session's current PTY geometry.
func (s *Session) Dims() (rows, cols int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Rows, s.Cols
}

// Resize resizes the PTY to the maximum geometry requested across all
// currently-attached clients; callers compute that max and pass it here.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.Rows = rows
	s.Cols = cols
	s.mu.Unlock()

	return pty.Setsize(s.Pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// StartOutputReader runs a persistent goroutine that reads PTY output, fans
// it out to attached writers, and invokes onOutput for every chunk
// (transcript capture, activity tracking, conversation-id discovery). Per
// the "outputBuffer accumulates child output only while attached=false"
// invariant, a chunk is appended to the ring buffer only when no client is
// currently attached; once a client attaches, live output goes only to the
// fan-out writers so the backlog an attach replays is never duplicated with
// what was already delivered live. onExit fires once, when the read loop
// ends because the child exited or the PTY errored.
func (s *Session) StartOutputReader(onOutput func(sessionID string, data []byte), onExit func(sessionID string)) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := s.Pty.Read(buf)
			if n > 0 {
				s.updateLastActive()
				chunk := append([]byte(nil), buf[:n]...)

				s.mu.RLock()
				writers := make([]io.Writer, 0, len(s.attachedWriters))
				for w := range s.attachedWriters {
					writers = append(writers, w)
				}
				attached := len(writers) > 0
				s.mu.RUnlock()

				if !attached {
					s.OutputBuffer.Write(chunk)
				}
				for _, w := range writers {
					_, _ = w.Write(chunk)
				}

				if onOutput != nil {
					onOutput(s.ID, chunk)
				}
			}
			if err != nil {
				s.mu.Lock()
				s.ProcessExited = true
				if s.Cmd.ProcessState != nil {
					s.ExitCode = s.Cmd.ProcessState.ExitCode()
				}
				s.mu.Unlock()

				s.log.Info("pty output reader ended", "session_id", s.ID, "error", err)

				if onExit != nil {
					onExit(s.ID)
				}
				return
			}
		}
	}()
}

// Close tears down the session: closes the PTY and kills the child if it
// is still running.
func (s *Session) Close() error {
	if s.onClose != nil {
		s.onClose()
	}

	if err := s.Pty.Close(); err != nil && err != io.EOF {
		return err
	}

	if s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_, _ = s.Cmd.Process.Wait()
	}

	return nil
}

// IsRunning reports whether the underlying child process is still alive.
func (s *Session) IsRunning() bool {
	if s.Cmd.Process == nil {
		return false
	}
	return s.Cmd.ProcessState == nil
}

func (s *Session) updateLastActive() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) GetLastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActive
}

func (s *Session) IdleTime() time.Duration {
	return time.Since(s.GetLastActive())
}
