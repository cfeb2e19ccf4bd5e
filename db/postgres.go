package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) quote(ident string) string {
	return `"` + ident + `"`
}

// openPostgres builds a pooled Postgres adapter from resolved settings.
// Accepted settings: either a single "url" (Postgres URL form), or
// discrete host/port/user/password/database/ssl fields.
func openPostgres(settings map[string]string) (Adapter, error) {
	var info *PostgresConnInfo
	if raw, ok := settings["url"]; ok && raw != "" {
		info = ParsePostgresURL(raw)
		if info == nil {
			return nil, fmt.Errorf("invalid postgres url")
		}
	} else {
		info = &PostgresConnInfo{
			User:     settings["user"],
			Password: settings["password"],
			Host:     settings["host"],
			Port:     settings["port"],
			Database: settings["database"],
			SSL:      settings["ssl"] == "true" || settings["ssl"] == "1",
		}
		if info.Host == "" {
			return nil, fmt.Errorf("postgres integration missing host")
		}
		if info.Port == "" {
			info.Port = "5432"
		}
	}

	pool, err := sql.Open("postgres", info.DSN())
	if err != nil {
		return nil, err
	}
	return newSQLAdapter(pool, postgresDialect{}), nil
}
