package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestProcessRunnerCapturesStreamedText(t *testing.T) {
	script := writeScript(t, `echo '{"type":"text","text":"hello from agent"}'
echo '{"type":"done"}'
`)

	var captured []string
	r := NewProcessRunner(script, 5*time.Second, func(agentID, text string) {
		captured = append(captured, text)
	})

	cfg := Config{ID: "a1", Cwd: t.TempDir(), Objective: "say hi", TimeoutMs: 5000}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, log, err := r.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Result != ResultSuccess {
		t.Fatalf("expected success, got %v", rec.Result)
	}
	if len(captured) != 1 || captured[0] != "hello from agent" {
		t.Fatalf("expected one captured text chunk, got %v", captured)
	}
	if !strings.Contains(string(log), "hello from agent") {
		t.Fatalf("expected raw log to contain the streamed line, got %q", log)
	}
}

func TestProcessRunnerEscalatesToSIGKILLOnTimeout(t *testing.T) {
	script := writeScript(t, `trap '' TERM
sleep 30
`)

	r := NewProcessRunner(script, 5*time.Second, nil)
	cfg := Config{ID: "a1", Cwd: t.TempDir(), Objective: "ignore sigterm", TimeoutMs: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	rec, _, _ := r.Run(ctx, cfg)
	elapsed := time.Since(start)

	if rec.Result != ResultTimeout {
		t.Fatalf("expected timeout result, got %v", rec.Result)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("expected SIGKILL escalation well before 10s, took %v", elapsed)
	}
}
