package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// minSummarizableDuration is the floor below which a session is considered
// too short to be worth summarizing.
const minSummarizableDuration = 30 * time.Second

const (
	maxReferencedPaths = 20
	maxUserInputs       = 10
	userInputTruncateAt = 200
)

var (
	pathPattern  = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:/|\./|\.\./|~/)[\w./-]{2,}|[\w-]+(?:/[\w.-]+)+\.[A-Za-z0-9]{1,8})`)
	errorPattern = regexp.MustCompile(`(?i)\b(error|panic|exception|traceback|failed)\b`)
)

// SessionSummary is what post-session summarization extracts from a
// transcript by parsing it, with no model call involved.
type SessionSummary struct {
	SessionID       string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	ReferencedPaths []string
	UserInputs      []string
	ErrorCount      int
	CompactionCount int
}

// Summarize parses a session's JSONL transcript into a SessionSummary, with
// no model call involved. The summary is returned whatever the session's
// duration; SummarizeSession is what skips sessions shorter than
// minSummarizableDuration.
func Summarize(sessionID, transcriptPath string) (*SessionSummary, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum := &SessionSummary{SessionID: sessionID}
	seenPaths := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if sum.StartedAt.IsZero() {
			sum.StartedAt = e.TS
		}
		sum.EndedAt = e.TS

		if e.Role == RoleSystem && strings.Contains(e.Data, "transcript size limit reached") {
			continue
		}

		switch e.Role {
		case RoleInput:
			trimmed := strings.TrimSpace(e.Data)
			if trimmed != "" && len(sum.UserInputs) < maxUserInputs {
				if len(trimmed) > userInputTruncateAt {
					trimmed = trimmed[:userInputTruncateAt] + "…"
				}
				sum.UserInputs = append(sum.UserInputs, trimmed)
			}
		case RoleOutput:
			sum.ErrorCount += len(errorPattern.FindAllString(e.Data, -1))
			for _, re := range compactionPatterns {
				if re.MatchString(e.Data) {
					sum.CompactionCount++
					break
				}
			}
		}

		for _, m := range pathPattern.FindAllStringSubmatch(e.Data, -1) {
			p := m[1]
			if !seenPaths[p] && len(sum.ReferencedPaths) < maxReferencedPaths {
				seenPaths[p] = true
				sum.ReferencedPaths = append(sum.ReferencedPaths, p)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sum.Duration = sum.EndedAt.Sub(sum.StartedAt)
	return sum, nil
}

// Markdown renders the summary as an appendable daily-log entry.
func (s *SessionSummary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n### Session %s\n", s.SessionID)
	fmt.Fprintf(&b, "- started: %s, duration: %s\n", s.StartedAt.Format(time.RFC3339), s.Duration.Round(time.Second))
	if len(s.ReferencedPaths) > 0 {
		fmt.Fprintf(&b, "- touched: %s\n", strings.Join(s.ReferencedPaths, ", "))
	}
	if s.ErrorCount > 0 {
		fmt.Fprintf(&b, "- errors observed: %d\n", s.ErrorCount)
	}
	if s.CompactionCount > 0 {
		fmt.Fprintf(&b, "- context compactions: %d\n", s.CompactionCount)
	}
	for _, in := range s.UserInputs {
		fmt.Fprintf(&b, "  - > %s\n", strings.ReplaceAll(in, "\n", " "))
	}
	return b.String()
}

// SummarizeSession parses the transcript for sessionID and, if the session
// ran long enough, appends its markdown summary to today's daily note both
// globally and at the session's path scope (when pathID is non-empty).
func (s *Store) SummarizeSession(sessionID, pathID string) error {
	sum, err := Summarize(sessionID, s.SessionTranscriptPath(sessionID))
	if err != nil {
		return err
	}
	if sum.Duration < minSummarizableDuration {
		return nil
	}

	md := sum.Markdown()
	if err := s.AppendDaily(globalScopeKey, md); err != nil {
		return err
	}
	if pathID != "" {
		if err := s.AppendDaily(pathID, md); err != nil {
			return err
		}
	}
	return nil
}
