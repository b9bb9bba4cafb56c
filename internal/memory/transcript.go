package memory

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Role tags one transcript line.
type Role string

const (
	RoleSystem Role = "system"
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// Entry is one line of a session transcript.
type Entry struct {
	TS   time.Time `json:"ts"`
	Role Role      `json:"role"`
	Data string    `json:"data"`
}

const (
	inputFlushInterval  = 2 * time.Second
	outputFlushInterval = 500 * time.Millisecond
	flushSizeThreshold  = 2 * 1024 // 2 KiB

	transcriptSizeLimitDefault = 50 * 1024 * 1024 // 50 MiB
)

// compactionPatterns flag output that indicates the upstream agent just
// compacted its context window. Detection is surfaced to OnCompaction; it
// does not otherwise change capture behavior.
var compactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context\s+(?:window\s+)?compact`),
	regexp.MustCompile(`(?i)conversation\s+(?:was\s+)?summariz`),
	regexp.MustCompile(`(?i)\[context\s+compacted\]`),
}

// Transcript captures one PTY session's input/output as a JSONL file,
// stripping ANSI escapes and redacting secrets before anything reaches
// disk. Writes are buffered and flushed on newline, a time interval, or a
// size threshold; once the file exceeds a size limit, further capture is
// suppressed after one marker line.
type Transcript struct {
	path string

	mu       sync.Mutex
	f        *os.File
	written  int64
	sizeCap  int64
	limitHit bool
	closed   bool

	inputBuf  bytes.Buffer
	outputBuf bytes.Buffer

	startedAt time.Time

	onCompaction func()
	compactions  int

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenTranscript opens (creating if needed) the JSONL transcript file at
// path in append mode and starts its background flush loop.
func OpenTranscript(path string, sizeLimit int64, onCompaction func()) (*Transcript, error) {
	if sizeLimit <= 0 {
		sizeLimit = transcriptSizeLimitDefault
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	t := &Transcript{
		path:         path,
		f:            f,
		sizeCap:      sizeLimit,
		startedAt:    time.Now(),
		onCompaction: onCompaction,
		done:         make(chan struct{}),
	}

	if err := t.writeEntry(Entry{TS: time.Now(), Role: RoleSystem, Data: "session started"}); err != nil {
		f.Close()
		return nil, err
	}

	t.wg.Add(1)
	go t.flushLoop()

	return t, nil
}

func (t *Transcript) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(outputFlushInterval)
	defer ticker.Stop()

	var sinceInputFlush time.Duration
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.flushOutputLocked()
			sinceInputFlush += outputFlushInterval
			if sinceInputFlush >= inputFlushInterval {
				t.flushInputLocked()
				sinceInputFlush = 0
			}
			t.mu.Unlock()
		}
	}
}

// WriteInput buffers operator keystrokes, flushing on newline or once the
// buffer crosses the size threshold.
func (t *Transcript) WriteInput(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.limitHit {
		return
	}
	t.inputBuf.Write(data)
	if bytes.ContainsRune(data, '\n') || t.inputBuf.Len() >= flushSizeThreshold {
		t.flushInputLocked()
	}
}

// WriteOutput buffers child PTY output, flushing on newline or size
// threshold, and scans for context-compaction markers.
func (t *Transcript) WriteOutput(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.limitHit {
		return
	}

	stripped := StripANSI(data)
	for _, re := range compactionPatterns {
		if re.Match(stripped) {
			t.compactions++
			if t.onCompaction != nil {
				go t.onCompaction()
			}
			break
		}
	}

	t.outputBuf.Write(stripped)
	if bytes.ContainsRune(stripped, '\n') || t.outputBuf.Len() >= flushSizeThreshold {
		t.flushOutputLocked()
	}
}

func (t *Transcript) flushInputLocked() {
	if t.inputBuf.Len() == 0 {
		return
	}
	data := t.inputBuf.String()
	t.inputBuf.Reset()
	_ = t.writeEntryLocked(Entry{TS: time.Now(), Role: RoleInput, Data: data})
}

func (t *Transcript) flushOutputLocked() {
	if t.outputBuf.Len() == 0 {
		return
	}
	data := t.outputBuf.String()
	t.outputBuf.Reset()
	_ = t.writeEntryLocked(Entry{TS: time.Now(), Role: RoleOutput, Data: data})
}

func (t *Transcript) writeEntry(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeEntryLocked(e)
}

// writeEntryLocked serializes, redacts, and appends one line. Once the file
// crosses sizeCap a single marker line is appended and further writes are
// suppressed for the remainder of the session.
func (t *Transcript) writeEntryLocked(e Entry) error {
	if t.limitHit {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line := Redact(string(b)) + "\n"

	n, err := t.f.WriteString(line)
	t.written += int64(n)
	if err != nil {
		return err
	}

	if t.written >= t.sizeCap {
		t.limitHit = true
		marker, _ := json.Marshal(Entry{TS: time.Now(), Role: RoleSystem, Data: "transcript size limit reached; further capture suppressed"})
		_, _ = t.f.Write(append(marker, '\n'))
	}
	return nil
}

// CompactionCount returns the number of detected context-compaction events.
func (t *Transcript) CompactionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compactions
}

// StartedAt returns when the transcript was opened.
func (t *Transcript) StartedAt() time.Time { return t.startedAt }

// Close flushes any buffered content and closes the underlying file.
func (t *Transcript) Close() error {
	close(t.done)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.flushInputLocked()
	t.flushOutputLocked()
	_ = t.writeEntryLocked(Entry{TS: time.Now(), Role: RoleSystem, Data: "session ended"})
	t.closed = true
	return t.f.Close()
}
