package store

// Schema DDL. Timestamps are RFC 3339 text in UTC.
const (
	createDocuments = `CREATE TABLE IF NOT EXISTS documents (
    document_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    document_type TEXT NOT NULL,
    classification TEXT NOT NULL DEFAULT '[]',
    markings TEXT NOT NULL DEFAULT '[]',
    owner TEXT NOT NULL DEFAULT '',
    ontology TEXT NOT NULL DEFAULT '',
    schema_version INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createUpdates = `CREATE TABLE IF NOT EXISTS updates (
    update_id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (document_id) REFERENCES documents(document_id)
);`

	createUpdatesIndex = `CREATE INDEX IF NOT EXISTS idx_updates_document ON updates(document_id, update_id);`
	createNameIndex    = `CREATE INDEX IF NOT EXISTS idx_documents_name ON documents(name);`
)

var schemaStatements = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA busy_timeout = 5000;`,
	`PRAGMA foreign_keys = ON;`,
	createDocuments,
	createUpdates,
	createUpdatesIndex,
	createNameIndex,
}
