package pty

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// conversationEntryMarkers are the role tags that distinguish a genuine
// transcript entry from a file that only contains metadata (e.g. a
// freshly-created but still-empty JSONL file).
var conversationEntryMarkers = []string{`"role":"user"`, `"role":"assistant"`, `"role": "user"`, `"role": "assistant"`}

// NewFileConversationProbe returns a ConversationProbe grounded on the
// upstream agent's own per-project transcript layout: one JSONL file per
// conversation under projectsRoot/<cwd-with-slashes-as-dashes>/. It reports
// the most recently modified file that contains at least one genuine
// conversation entry, using the file's basename (sans extension) as the
// conversation id.
//
// This collapses the spec's fresh/resume distinction (new-file-appears vs
// existing-file-mtime-increases) into a single "most recent valid
// candidate" check: both cases converge on the same file once the agent
// has actually written a turn, and the poller's repeated ticks make the
// collapse unobservable in practice.
func NewFileConversationProbe(projectsRoot string) ConversationProbe {
	return func(cwd string) (string, bool) {
		dir := filepath.Join(projectsRoot, encodeProjectPath(cwd))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", false
		}

		type candidate struct {
			id      string
			modTime int64
		}
		var candidates []candidate
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			if !fileHasConversationEntry(path) {
				continue
			}
			candidates = append(candidates, candidate{
				id:      strings.TrimSuffix(e.Name(), ".jsonl"),
				modTime: info.ModTime().UnixNano(),
			})
		}
		if len(candidates) == 0 {
			return "", false
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
		return candidates[0].id, true
	}
}

// fileHasConversationEntry reports whether path contains at least one line
// carrying a user or assistant role, not just session metadata.
func fileHasConversationEntry(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		for _, marker := range conversationEntryMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

// encodeProjectPath mirrors the upstream agent's own convention for naming
// a cwd's transcript directory: every path separator becomes a dash.
func encodeProjectPath(cwd string) string {
	return strings.ReplaceAll(cwd, string(filepath.Separator), "-")
}
