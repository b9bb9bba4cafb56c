package indexer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	chunkSoftTarget = 1600 // bytes
	chunkOverlap    = 320  // bytes, applied when a forced split occurs mid-section
	jsonlChunkLines = 20
)

// Chunk is one unit of indexed content: either a markdown section or a
// group of JSONL transcript lines.
type Chunk struct {
	Seq     int
	Kind    string // "markdown" or "jsonl"
	Heading string
	Date    string
	Body    string
}

// ChunkFile splits raw file content by its extension-implied format.
func ChunkFile(path string, content []byte) []Chunk {
	if strings.HasSuffix(path, ".jsonl") {
		return chunkJSONL(content)
	}
	return chunkMarkdown(content)
}

// chunkMarkdown splits on #, ##, ### heading boundaries, accumulating
// sections near chunkSoftTarget and overlapping chunkOverlap bytes of
// trailing context when a section is large enough to force a mid-section
// split.
func chunkMarkdown(content []byte) []Chunk {
	sections := splitHeadings(string(content))

	var chunks []Chunk
	seq := 0
	var buf strings.Builder
	var heading string

	flush := func() {
		body := strings.TrimSpace(buf.String())
		if body == "" {
			return
		}
		chunks = append(chunks, Chunk{Seq: seq, Kind: "markdown", Heading: heading, Body: body})
		seq++
		buf.Reset()
	}

	for _, sec := range sections {
		if buf.Len() > 0 && buf.Len()+len(sec.body) > chunkSoftTarget {
			flush()
		}
		if buf.Len() == 0 {
			heading = sec.heading
		}
		if len(sec.body) > chunkSoftTarget {
			// Force-split an oversized section with a trailing overlap
			// carried into the next piece so neither half loses context.
			splitOversized(sec.body, sec.heading, &chunks, &seq)
			continue
		}
		buf.WriteString(sec.body)
		buf.WriteString("\n\n")
	}
	flush()

	return chunks
}

type headingSection struct {
	heading string
	body    string
}

// splitHeadings breaks markdown into sections at #, ##, ### lines. Content
// before the first heading becomes a section with an empty heading.
func splitHeadings(text string) []headingSection {
	lines := strings.Split(text, "\n")
	var sections []headingSection
	var heading string
	var body strings.Builder

	push := func() {
		if strings.TrimSpace(body.String()) != "" {
			sections = append(sections, headingSection{heading: heading, body: body.String()})
		}
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "# ") || strings.HasPrefix(trimmed, "## ") || strings.HasPrefix(trimmed, "### ") {
			push()
			heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	push()

	return sections
}

func splitOversized(body, heading string, chunks *[]Chunk, seq *int) {
	var overlap string
	remaining := body
	for len(remaining) > 0 {
		end := chunkSoftTarget
		if end > len(remaining) {
			end = len(remaining)
		}
		piece := overlap + remaining[:end]
		*chunks = append(*chunks, Chunk{Seq: *seq, Kind: "markdown", Heading: heading, Body: strings.TrimSpace(piece)})
		*seq++

		if end >= len(remaining) {
			break
		}
		overlapStart := end - chunkOverlap
		if overlapStart < 0 {
			overlapStart = 0
		}
		overlap = remaining[overlapStart:end]
		remaining = remaining[end:]
	}
}

// transcriptLine mirrors memory.Entry's wire shape without importing the
// memory package, keeping indexer decoupled from transcript internals.
type transcriptLine struct {
	TS   string `json:"ts"`
	Role string `json:"role"`
	Data string `json:"data"`
}

// chunkJSONL groups transcript lines twenty at a time, recording the set of
// roles seen and the first/last timestamp in each group.
func chunkJSONL(content []byte) []Chunk {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var group []transcriptLine
	var chunks []Chunk
	seq := 0

	flush := func() {
		if len(group) == 0 {
			return
		}
		chunks = append(chunks, jsonlChunk(seq, group))
		seq++
		group = group[:0]
	}

	for scanner.Scan() {
		var l transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}
		group = append(group, l)
		if len(group) >= jsonlChunkLines {
			flush()
		}
	}
	flush()

	return chunks
}

func jsonlChunk(seq int, lines []transcriptLine) Chunk {
	roleSet := make(map[string]bool)
	var bodies []string
	for _, l := range lines {
		roleSet[l.Role] = true
		bodies = append(bodies, fmt.Sprintf("[%s] %s", l.Role, l.Data))
	}
	roles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	first, last := "", ""
	if len(lines) > 0 {
		first = lines[0].TS
		last = lines[len(lines)-1].TS
	}

	header := fmt.Sprintf("roles: %s, from %s to %s\n", strings.Join(roles, ","), first, last)
	return Chunk{
		Seq:  seq,
		Kind: "jsonl",
		Date: first,
		Body: header + strings.Join(bodies, "\n"),
	}
}
