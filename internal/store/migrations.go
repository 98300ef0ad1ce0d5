package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "atoms: memory atom records",
		SQL: `
CREATE TABLE atoms (
    id                TEXT PRIMARY KEY,
    user_text         TEXT NOT NULL DEFAULT '',
    system_text       TEXT NOT NULL DEFAULT '',
    content_hash      TEXT NOT NULL,
    memory_type       TEXT NOT NULL CHECK (memory_type IN ('general', 'summary', 'file_chunk', 'conversation')),
    source            TEXT NOT NULL DEFAULT '',

    -- Context
    session_id        TEXT NOT NULL DEFAULT '',
    user_id           TEXT NOT NULL DEFAULT '',
    topic             TEXT NOT NULL DEFAULT '',

    -- Signals
    emotion_label     TEXT NOT NULL DEFAULT '',
    emotion_intensity REAL NOT NULL DEFAULT 0 CHECK (emotion_intensity BETWEEN 0 AND 1),
    resonance_score   REAL NOT NULL DEFAULT 0 CHECK (resonance_score BETWEEN 0 AND 1),
    recall_priority   REAL NOT NULL DEFAULT 0 CHECK (recall_priority BETWEEN 0 AND 1),
    reflex_tag        INTEGER NOT NULL DEFAULT 0,

    -- Forgetting
    fade_score        REAL NOT NULL DEFAULT 0 CHECK (fade_score BETWEEN 0 AND 1),
    fade_updated_at   INTEGER NOT NULL,
    used_count        INTEGER NOT NULL DEFAULT 0,
    last_used         INTEGER,
    tombstoned_at     INTEGER,

    -- Lineage (weak reference, may dangle)
    parent_id         TEXT,

    created_at        INTEGER NOT NULL
);

CREATE INDEX idx_atoms_created ON atoms(created_at DESC);
CREATE INDEX idx_atoms_emotion ON atoms(emotion_label);
CREATE INDEX idx_atoms_session ON atoms(session_id);
CREATE INDEX idx_atoms_user    ON atoms(user_id);
CREATE INDEX idx_atoms_parent  ON atoms(parent_id);
CREATE UNIQUE INDEX idx_atoms_content_hash ON atoms(content_hash) WHERE memory_type != 'file_chunk';
`,
	},
	{
		Version:     2,
		Description: "atom_tags: keyword and belief tags",
		SQL: `
CREATE TABLE atom_tags (
    atom_id TEXT NOT NULL,
    tag     TEXT NOT NULL,
    kind    TEXT NOT NULL CHECK (kind IN ('keyword', 'belief')),
    PRIMARY KEY (atom_id, tag, kind),
    FOREIGN KEY (atom_id) REFERENCES atoms(id) ON DELETE CASCADE
);

CREATE INDEX idx_tags_tag ON atom_tags(tag, kind);
`,
	},
	{
		Version:     3,
		Description: "atom_links: lineage and lateral link edges",
		SQL: `
CREATE TABLE atom_links (
    parent_id  TEXT NOT NULL,
    child_id   TEXT NOT NULL,
    kind       TEXT NOT NULL CHECK (kind IN ('parent', 'link')),
    created_at INTEGER NOT NULL,
    PRIMARY KEY (parent_id, child_id, kind)
);

CREATE INDEX idx_links_child ON atom_links(child_id, kind);
`,
	},
	{
		Version:     4,
		Description: "atom_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE atom_vectors (
    atom_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (atom_id) REFERENCES atoms(id) ON DELETE CASCADE
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
