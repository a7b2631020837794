package store

// migration is one schema step.
type migration struct {
	version int
	sql     string
}

// migrations are applied in order; versions are sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rfq_mappings (
	thread_key    TEXT PRIMARY KEY,
	rfq_id        TEXT NOT NULL DEFAULT '',
	supplier_id   TEXT NOT NULL DEFAULT '',
	supplier_name TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS classification_refs (
	message_id TEXT PRIMARY KEY,
	backend_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rfq_mappings_rfq ON rfq_mappings(rfq_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS master_categories (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL COLLATE NOCASE UNIQUE,
	color      TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
