package indexer

import (
	"strings"
	"testing"
)

func TestChunkMarkdown_SplitsOnHeadings(t *testing.T) {
	content := "# Title\nintro text\n\n## Section A\nbody a\n\n## Section B\nbody b\n"
	chunks := chunkMarkdown([]byte(content))

	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	var headings []string
	for _, c := range chunks {
		headings = append(headings, c.Heading)
	}
	found := false
	for _, h := range headings {
		if strings.Contains(h, "Section A") || strings.Contains(h, "Title") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a chunk carrying an observed heading, got %v", headings)
	}
}

func TestChunkMarkdown_ForcesSplitOnOversizedSection(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Huge\n")
	for i := 0; i < 400; i++ {
		b.WriteString("a line of reasonably long filler text to pad the section out\n")
	}
	chunks := chunkMarkdown([]byte(b.String()))

	if len(chunks) < 2 {
		t.Fatalf("expected oversized section to force multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Body) > chunkSoftTarget+chunkOverlap+200 {
			t.Fatalf("chunk body length %d exceeds expected bound", len(c.Body))
		}
	}
}

func TestChunkJSONL_GroupsTwentyLinesPerChunk(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 45; i++ {
		b.WriteString(`{"ts":"2024-01-01T00:00:00Z","role":"output","data":"line"}` + "\n")
	}
	chunks := chunkJSONL([]byte(b.String()))

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks (20+20+5), got %d", len(chunks))
	}
	if chunks[0].Kind != "jsonl" {
		t.Fatalf("expected kind jsonl, got %q", chunks[0].Kind)
	}
	if !strings.Contains(chunks[0].Body, "roles: output") {
		t.Fatalf("expected role summary in chunk body, got %q", chunks[0].Body)
	}
}

func TestChunkFile_DispatchesByExtension(t *testing.T) {
	md := ChunkFile("MEMORY.md", []byte("# hi\nbody\n"))
	if len(md) != 1 || md[0].Kind != "markdown" {
		t.Fatalf("expected one markdown chunk, got %+v", md)
	}

	jsonl := ChunkFile("sessions/abc.jsonl", []byte(`{"ts":"2024-01-01T00:00:00Z","role":"input","data":"hi"}`+"\n"))
	if len(jsonl) != 1 || jsonl[0].Kind != "jsonl" {
		t.Fatalf("expected one jsonl chunk, got %+v", jsonl)
	}
}
