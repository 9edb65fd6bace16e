package database

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Migration struct {
	Id   int
	Name string
	Sql  string
}

// UpdateDatabase applies, in order, every migration newer than the version recorded in the database.
func UpdateDatabase(ctx context.Context, db *sql.DB, migrations []Migration) error {
	log.Info("Updating database...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		if _, err := db.ExecContext(ctx, m.Sql); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", m.Name)
		}
		version = m.Id
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}
	log.Infof("Database updated to version %d.", version)
	return nil
}

func readVersion(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM database_version`).Scan(&version); err != nil {
		return 0, errors.WithStack(err)
	}
	return int(version.Int64), nil
}

func setVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `INSERT INTO database_version (version) VALUES (`+strconv.Itoa(version)+`)`)
	return errors.WithStack(err)
}

// GetMigrations reads the migrations under dir of fsys. File names must start with their numeric id,
// e.g. 001_create_job_cache.sql.
func GetMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	migrations := []Migration{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with its id", f.Name())
		}
		migrations = append(migrations, Migration{
			Id:   id,
			Name: f.Name(),
			Sql:  string(contents),
		})
	}
	return migrations, nil
}
