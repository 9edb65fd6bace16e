package database

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	_ "modernc.org/sqlite"
)

const (
	PostgresDriver = "pgx"
	SqliteDriver   = "sqlite"
)

// CreateConnectionString builds a libpq style key/value connection string.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := maps.Keys(values)
	slices.Sort(keys)
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// OpenPostgres opens a pooled connection through the pgx database/sql driver and checks it is reachable.
func OpenPostgres(ctx context.Context, connection map[string]string) (*sql.DB, error) {
	db, err := sql.Open(PostgresDriver, CreateConnectionString(connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres is not reachable")
	}
	return db, nil
}

// OpenSqlite opens an embedded database file. Use ":memory:" for a private in-memory database.
func OpenSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(SqliteDriver, path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// sqlite serialises writers, and an in-memory database only exists on its own connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
