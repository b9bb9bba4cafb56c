package indexer

import (
	"context"
	"strings"
)

// Result is one ranked hit returned by Query.
type Result struct {
	Type    string  `json:"type"`
	Path    string  `json:"path"`
	Heading string  `json:"heading,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Scope restricts Query to a subset of entity kinds ("markdown", "jsonl").
// An empty scope matches everything.
type Scope []string

func (s Scope) allows(kind string) bool {
	if len(s) == 0 {
		return true
	}
	for _, k := range s {
		if k == kind {
			return true
		}
	}
	return false
}

// Query runs a BM25-ranked full-text search over indexed chunks, optionally
// narrowed by scope. When the query string is empty it returns no results
// rather than a full table scan.
func (s *Store) Query(ctx context.Context, query string, scope Scope, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.kind, c.file_path, c.heading,
		       snippet(chunks_fts, 0, '[', ']', '...', 12) AS snippet,
		       bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit*3) // over-fetch to allow scope filtering without a second query
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Type, &r.Path, &r.Heading, &r.Snippet, &r.Score); err != nil {
			continue
		}
		if !scope.allows(r.Type) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}
