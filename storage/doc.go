/*
Package storage persists the codes of a session.

# Backends

SQLStore works on any database/sql driver. The scanner uses sqlite
(modernc.org/sqlite, registered as "sqlite") for its local replica and may
pull from an upstream PostgreSQL database (github.com/lib/pq, registered as
"postgres"):

	db, err := storage.Open("sqlite", "file:codes.db")
	if err != nil {
		return err
	}
	store, err := storage.NewSQLStore(db)

MemoryStore keeps everything in a map and is meant for tests and for nodes
that do not need persistence.

# Schema

CreateSchema is safe to call multiple times; it uses IF NOT EXISTS:

	code(id, type_id, code, name, type, validations)

with a unique (type_id, code) pair. Every Store is scoped to one collection
type id.
*/
package storage
