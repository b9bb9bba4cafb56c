package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// streamLine is one line of the agent binary's streaming JSON output
// format. Only the text field is surfaced to the live buffered view; the
// full raw line is what gets persisted (after redaction, by the caller).
type streamLine struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ProcessRunner spawns the configured agent binary headless and captures
// its streaming JSON output, escalating SIGTERM to SIGKILL on timeout.
type ProcessRunner struct {
	binary      string
	grace       time.Duration
	onTextChunk func(agentID, text string)
}

func NewProcessRunner(binary string, grace time.Duration, onTextChunk func(agentID, text string)) *ProcessRunner {
	if grace < 5*time.Second {
		grace = 5 * time.Second
	}
	if grace > 60*time.Second {
		grace = 60 * time.Second
	}
	return &ProcessRunner{binary: binary, grace: grace, onTextChunk: onTextChunk}
}

// Run spawns one headless execution of cfg and blocks until it completes,
// is cancelled via ctx (timeout), or errors.
func (r *ProcessRunner) Run(ctx context.Context, cfg Config) (ExecutionRecord, []byte, error) {
	rec := ExecutionRecord{
		ExecutionID: uuid.NewString(),
		AgentID:     cfg.ID,
		StartedAt:   time.Now(),
	}

	cmd := exec.Command(r.binary, "--headless", "--objective", cfg.Objective)
	cmd.Dir = cfg.Cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.finish(rec, nil, ResultFailure, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return r.finish(rec, nil, ResultFailure, err)
	}

	var rawLog bytes.Buffer
	lines := 0
	done := make(chan error, 1)
	scannerDone := make(chan struct{})

	go func() {
		defer close(scannerDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			rawLog.Write(line)
			rawLog.WriteByte('\n')
			lines++

			var sl streamLine
			if json.Unmarshal(line, &sl) == nil && sl.Text != "" && r.onTextChunk != nil {
				r.onTextChunk(cfg.ID, sl.Text)
			}
		}
	}()

	go func() { done <- cmd.Wait() }()

	var result Result
	var runErr error

	select {
	case runErr = <-done:
		if runErr != nil {
			result = ResultFailure
		} else {
			result = ResultSuccess
		}
	case <-ctx.Done():
		result = ResultTimeout
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(r.grace):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	// cmd.Wait closing the stdout pipe races the scanner goroutine's own
	// EOF detection: Wait returning on the done channel above does not mean
	// the scanner has finished draining everything already in the pipe.
	// Reading rawLog/lines before the scanner signals completion is a data
	// race and can silently truncate the persisted log.
	<-scannerDone

	rec.OutputLines = lines
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		rec.ExitCode = &code
	}
	return r.finish(rec, rawLog.Bytes(), result, runErr)
}

func (r *ProcessRunner) finish(rec ExecutionRecord, log []byte, result Result, err error) (ExecutionRecord, []byte, error) {
	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	rec.Result = result
	if err != nil {
		rec.Error = err.Error()
	}
	return rec, log, err
}
