// Package indexer maintains a searchable reflection of the memory store: a
// single-writer sqlite database with an FTS5 mirror over chunked
// markdown/JSONL content, an optional vector table for embedding
// similarity, a debounced filesystem watcher, and a background embedding
// queue.
package indexer

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite connection backing the index. It is single-writer;
// callers serialize writes through Index/delete methods while reads
// (Query) run concurrently under WAL.
type Store struct {
	db         *sql.DB
	log        *slog.Logger
	vecEnabled bool
}

// Open creates or opens the index database at path, applies WAL/foreign-key
// pragmas, and runs schema migrations. The optional vector table is created
// only when the sqlite-vec extension is available; its absence degrades
// gracefully rather than failing Open.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index schema: %w", err)
	}

	s.vecEnabled = s.tryEnableVector()
	if !s.vecEnabled {
		log.Warn("vector index unavailable, falling back to full-text search only")
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// VectorEnabled reports whether the optional similarity table is live.
func (s *Store) VectorEnabled() bool { return s.vecEnabled }
