package storage

import "fmt"

const schemaRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL CHECK (duration_ms >= 0),
	size INTEGER NOT NULL CHECK (size > 0),
	format TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	filename TEXT NOT NULL,
	path TEXT NOT NULL,
	frame_count INTEGER NOT NULL DEFAULT 0,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0
);`

const schemaRecordingsIndexes = `
CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at DESC);`

const schemaChunks = `
CREATE TABLE IF NOT EXISTS recording_chunks (
	recording_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (recording_id, seq),
	FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);`

// MigrateSchema 创建表和索引
func (x *Index) MigrateSchema() error {
	for _, stmt := range []string{schemaRecordings, schemaRecordingsIndexes, schemaChunks} {
		if _, err := x.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate schema: %w", err)
		}
	}
	return nil
}
