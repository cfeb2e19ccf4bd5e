package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

func (sqliteDialect) quote(ident string) string {
	return `"` + ident + `"`
}

// openSQLite builds a pooled SQLite adapter. The "path" setting is the
// database file; ":memory:"-style DSNs work for tests.
func openSQLite(settings map[string]string) (Adapter, error) {
	path := settings["path"]
	if path == "" {
		return nil, fmt.Errorf("sqlite integration missing path")
	}
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return newSQLAdapter(pool, sqliteDialect{}), nil
}

// OpenSQLite exposes the SQLite adapter for tests and tooling that need a
// database without a full integration registry.
func OpenSQLite(path string) (Adapter, error) {
	return openSQLite(map[string]string{"path": path})
}
