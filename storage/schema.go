package storage

import (
	"database/sql"
	"fmt"
)

// CreateSchema creates the tables used by SQLStore.
// Safe to call multiple times - uses IF NOT EXISTS.
func CreateSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS code (
    id TEXT PRIMARY KEY,
    type_id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    validations INTEGER NOT NULL DEFAULT 0 CHECK (validations >= 0),
    UNIQUE (type_id, code)
);

CREATE INDEX IF NOT EXISTS idx_code_type_id ON code(type_id);
`
