package indexer

import (
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// embeddingDim is the vector width produced by the configured embedding
// model. Changing it requires rebuilding the vector table.
const embeddingDim = 768

// tryEnableVector registers the sqlite-vec loadable extension and creates
// the optional similarity table. The extension depends on cgo sqlite
// support that is not guaranteed in every build; any failure here is
// treated as "vector search unavailable" rather than a fatal error, since
// full-text search alone still satisfies every query.
func (s *Store) tryEnableVector() (enabled bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("sqlite-vec registration panicked, disabling vector search", "recover", r)
			enabled = false
		}
	}()

	sqlite_vec.Auto()

	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
		chunk_id INTEGER PRIMARY KEY,
		embedding float[768]
	)`)
	if err != nil {
		s.log.Warn("sqlite-vec extension unavailable, disabling vector search", "error", err)
		return false
	}
	return true
}

// upsertVector replaces the embedding row for a chunk id. Callers must
// check VectorEnabled first.
func (s *Store) upsertVector(chunkID int64, embedding []float32) error {
	_, err := s.db.Exec(`DELETE FROM chunk_vectors WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO chunk_vectors(chunk_id, embedding) VALUES (?, ?)`, chunkID, serializeVector(embedding))
	return err
}

// deleteVector removes the embedding row for a chunk id, if any.
func (s *Store) deleteVector(chunkID int64) error {
	_, err := s.db.Exec(`DELETE FROM chunk_vectors WHERE chunk_id = ?`, chunkID)
	return err
}

func serializeVector(v []float32) []byte {
	b, _ := sqlite_vec.SerializeFloat32(v)
	return b
}
