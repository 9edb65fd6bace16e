package jobcache

import (
	"context"

	"github.com/pkg/errors"

	"github.com/enginemaster/enginemaster/internal/common/database"
	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/util"
)

const (
	DatabaseTypeMemory   = "memory"
	DatabaseTypeSqlite   = "sqlite"
	DatabaseTypePostgres = "postgres"
)

type PostgresConfig struct {
	Connection map[string]string
}

type Config struct {
	DatabaseType string `validate:"omitempty,oneof=memory sqlite postgres"`
	// Database file when DatabaseType is sqlite.
	DatabasePath string
	Postgres     PostgresConfig
}

// Open creates the job cache described by config and brings its schema up to date.
func Open(ctx context.Context, config Config, clock util.Clock) (JobCache, error) {
	switch config.DatabaseType {
	case DatabaseTypeMemory, "":
		return NewMemJobCache(clock)
	case DatabaseTypeSqlite:
		path := config.DatabasePath
		if path == "" {
			path = ":memory:"
		}
		db, err := database.OpenSqlite(ctx, path)
		if err != nil {
			return nil, err
		}
		return newMigratedSQLJobCache(ctx, db, DialectSqlite, clock)
	case DatabaseTypePostgres:
		db, err := database.OpenPostgres(ctx, config.Postgres.Connection)
		if err != nil {
			return nil, err
		}
		return newMigratedSQLJobCache(ctx, db, DialectPostgres, clock)
	}
	return nil, errors.WithStack(&engineerrors.ErrInvalidArgument{
		Name:    "jobCache.databaseType",
		Value:   config.DatabaseType,
		Message: "must be one of memory, sqlite or postgres",
	})
}
