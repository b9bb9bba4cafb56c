package indexer

// schemaStatements creates the files/chunks tables, the FTS5 mirror over
// chunks, and the triggers that keep the mirror coherent on insert, update,
// and delete. Embedding vectors live in a separate optional table created by
// tryEnableVector; their absence never blocks the statements here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS files (
		path       TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		indexed_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path  TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		heading    TEXT,
		chunk_date TEXT,
		body       TEXT NOT NULL,
		UNIQUE(file_path, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		body,
		content='chunks',
		content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, body) VALUES (new.id, new.body);
	END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, body) VALUES ('delete', old.id, old.body);
	END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, body) VALUES ('delete', old.id, old.body);
		INSERT INTO chunks_fts(rowid, body) VALUES (new.id, new.body);
	END`,
}

func (s *Store) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
