package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Indexer ties a Store to a root directory, tracking pending embedding work
// and throttling the FTS optimize() call per the configured chunk-count
// threshold.
type Indexer struct {
	store *Store
	roots []string // absolute paths, e.g. memory/ and sessions/

	optimizeEvery    int
	chunksSinceOpt   int
	embedQueue       *embedQueue
}

// NewIndexer constructs an Indexer watching roots (typically
// <workspace>/.codeck/memory and <workspace>/.codeck/sessions). batchSize and
// batchInterval tune the embedding worker and fall back to sane defaults
// when left at zero.
func NewIndexer(store *Store, roots []string, optimizeEvery int, embedder Embedder, batchSize int, batchInterval time.Duration) *Indexer {
	if optimizeEvery <= 0 {
		optimizeEvery = 200
	}
	idx := &Indexer{store: store, roots: roots, optimizeEvery: optimizeEvery}
	idx.embedQueue = newEmbedQueue(store, embedder, batchSize, batchInterval)
	return idx
}

// Start launches the background embedding worker. Callers must call Stop on
// shutdown.
func (idx *Indexer) Start() { idx.embedQueue.start() }

// Stop halts the embedding worker and waits for it to exit; chunks still
// waiting for an embedding are not processed first.
func (idx *Indexer) Stop() { idx.embedQueue.stop() }

// FullSweep walks every root, indexes changed files, and deletes entries for
// files that no longer exist on disk.
func (idx *Indexer) FullSweep() error {
	seen := make(map[string]bool)

	for _, root := range idx.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !isIndexable(path) {
				return nil
			}
			seen[path] = true
			return idx.IndexFile(path)
		})
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sweep %s: %w", root, err)
		}
	}

	return idx.pruneVanished(seen)
}

func isIndexable(path string) bool {
	return strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".jsonl")
}

// IndexFile hashes path's content and, if it differs from the stored hash,
// replaces its chunks in one transaction. A file already indexed with the
// same content hash is a no-op.
func (idx *Indexer) IndexFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx.DeleteFile(path)
		}
		return err
	}

	hash := contentHash(content)

	var existing string
	row := idx.store.db.QueryRow(`SELECT content_hash FROM files WHERE path = ?`, path)
	_ = row.Scan(&existing)
	if existing == hash {
		return nil
	}

	chunks := ChunkFile(path, content)

	tx, err := idx.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE file_path = ?`, path); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO files(path, content_hash, indexed_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, indexed_at = excluded.indexed_at`,
		path, hash, time.Now().Unix(),
	); err != nil {
		return err
	}

	var newIDs []int64
	for _, c := range chunks {
		res, err := tx.Exec(
			`INSERT INTO chunks(file_path, seq, kind, heading, chunk_date, body) VALUES (?, ?, ?, ?, ?, ?)`,
			path, c.Seq, c.Kind, c.Heading, c.Date, c.Body,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		newIDs = append(newIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	idx.chunksSinceOpt += len(newIDs)
	for _, id := range newIDs {
		idx.embedQueue.enqueue(id)
	}

	if idx.chunksSinceOpt >= idx.optimizeEvery {
		idx.chunksSinceOpt = 0
		idx.optimize()
	}

	return nil
}

// DeleteFile removes a file and its chunks (and any embeddings) from the
// index, for files that vanished between sweeps.
func (idx *Indexer) DeleteFile(path string) error {
	rows, err := idx.store.db.Query(`SELECT id FROM chunks WHERE file_path = ?`, path)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	if _, err := idx.store.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return err
	}
	if idx.store.vecEnabled {
		for _, id := range ids {
			_ = idx.store.deleteVector(id)
		}
	}
	return nil
}

func (idx *Indexer) pruneVanished(seen map[string]bool) error {
	rows, err := idx.store.db.Query(`SELECT path FROM files`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err == nil && !seen[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()

	for _, p := range stale {
		if err := idx.DeleteFile(p); err != nil {
			return err
		}
	}
	return nil
}

// optimize runs the FTS5 merge operation. It acknowledges a brief latency
// spike; concurrent readers under WAL are unaffected.
func (idx *Indexer) optimize() {
	_, err := idx.store.db.Exec(`INSERT INTO chunks_fts(chunks_fts) VALUES ('optimize')`)
	if err != nil {
		idx.store.log.Warn("fts optimize failed", "error", err)
	}
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
