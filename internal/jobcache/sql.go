package jobcache

import (
	"context"
	"database/sql"
	"embed"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exec"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/enginemaster/enginemaster/internal/common/database"
	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/util"
)

const (
	DialectPostgres = "postgres"
	DialectSqlite   = "sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	jobCacheTable = goqu.T("job_cache")

	col_id          = goqu.C("id")
	col_jobId       = goqu.C("job_id")
	col_stage       = goqu.C("stage")
	col_nodeAddress = goqu.C("node_address")
	col_jobResource = goqu.C("job_resource")
)

// SQLJobCache stores the job cache in postgres or sqlite. Queries are built with goqu for the given dialect.
type SQLJobCache struct {
	db      *sql.DB
	goquDb  *goqu.Database
	dialect string
	clock   util.Clock
}

func NewSQLJobCache(db *sql.DB, dialect string, clock util.Clock) *SQLJobCache {
	return &SQLJobCache{
		db:      db,
		goquDb:  goqu.New(dialect, db),
		dialect: dialect,
		clock:   clock,
	}
}

func newMigratedSQLJobCache(ctx context.Context, db *sql.DB, dialect string, clock util.Clock) (*SQLJobCache, error) {
	c := NewSQLJobCache(db, dialect, clock)
	if err := c.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// EnsureSchema applies the migrations of the cache's dialect that the database has not seen yet.
func (c *SQLJobCache) EnsureSchema(ctx context.Context) error {
	dir := "migrations/postgres"
	if c.dialect == DialectSqlite {
		dir = "migrations/sqlite"
	}
	migrations, err := database.GetMigrations(migrationsFS, dir)
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, c.db, migrations)
}

func (c *SQLJobCache) now() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *SQLJobCache) Insert(ctx context.Context, r *Record) error {
	now := c.now()
	r.GmtCreate, r.GmtModified = now, now
	_, err := c.goquDb.Insert(jobCacheTable).Rows(r).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to cache job %s", r.JobId)
	}
	// LastInsertId is not supported by every driver, so the id is read back.
	_, err = c.goquDb.From(jobCacheTable).Select(col_id).Where(col_jobId.Eq(r.JobId)).Prepared(true).ScanValContext(ctx, &r.Id)
	return errors.WithStack(err)
}

func (c *SQLJobCache) Delete(ctx context.Context, jobId string) error {
	_, err := c.goquDb.Delete(jobCacheTable).Where(col_jobId.Eq(jobId)).Prepared(true).Executor().ExecContext(ctx)
	return errors.Wrapf(err, "failed to delete cached job %s", jobId)
}

func (c *SQLJobCache) DeleteByJobIds(ctx context.Context, jobIds []string) (int64, error) {
	if len(jobIds) == 0 {
		return 0, nil
	}
	return c.execute(ctx, c.goquDb.Delete(jobCacheTable).Where(col_jobId.In(jobIds)).Prepared(true).Executor())
}

func (c *SQLJobCache) GetOne(ctx context.Context, jobId string) (*Record, error) {
	r := &Record{}
	found, err := c.goquDb.From(jobCacheTable).Where(col_jobId.Eq(jobId)).Prepared(true).ScanStructContext(ctx, r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return r, nil
}

func (c *SQLJobCache) GetByJobIds(ctx context.Context, jobIds []string) ([]*Record, error) {
	if len(jobIds) == 0 {
		return []*Record{}, nil
	}
	return c.list(ctx, c.goquDb.From(jobCacheTable).Where(col_jobId.In(jobIds)).Order(col_id.Asc()))
}

func (c *SQLJobCache) UpdateStage(ctx context.Context, jobId string, stage Stage, nodeAddress string, priority int64, waitReason string) error {
	n, err := c.execute(ctx, c.goquDb.Update(jobCacheTable).
		Set(goqu.Record{
			"stage":        int(stage),
			"node_address": nodeAddress,
			"job_priority": priority,
			"wait_reason":  waitReason,
			"gmt_modified": c.now(),
		}).
		Where(col_jobId.Eq(jobId)).
		Prepared(true).
		Executor())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return nil
}

func (c *SQLJobCache) UpdateStageBatch(ctx context.Context, jobIds []string, stage Stage, nodeAddress string) (int64, error) {
	if len(jobIds) == 0 {
		return 0, nil
	}
	return c.execute(ctx, c.goquDb.Update(jobCacheTable).
		Set(goqu.Record{"stage": int(stage), "gmt_modified": c.now()}).
		Where(col_jobId.In(jobIds), col_nodeAddress.Eq(nodeAddress)).
		Prepared(true).
		Executor())
}

func (c *SQLJobCache) UpdateJobInfo(ctx context.Context, jobId, jobInfo string) error {
	n, err := c.execute(ctx, c.goquDb.Update(jobCacheTable).
		Set(goqu.Record{"job_info": jobInfo, "gmt_modified": c.now()}).
		Where(col_jobId.Eq(jobId)).
		Prepared(true).
		Executor())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return nil
}

func (c *SQLJobCache) ListByStage(ctx context.Context, startId int64, nodeAddress string, stage Stage, jobResource string, limit int) ([]*Record, error) {
	filters := []exp.Expression{col_id.Gt(startId), col_nodeAddress.Eq(nodeAddress), col_stage.Eq(int(stage))}
	if jobResource != "" {
		filters = append(filters, col_jobResource.Eq(jobResource))
	}
	return c.list(ctx, c.page(filters, limit))
}

func (c *SQLJobCache) ListByFailover(ctx context.Context, startId int64, nodeAddress string, stage Stage, limit int) ([]*Record, error) {
	filters := []exp.Expression{col_id.Gt(startId), col_nodeAddress.Eq(nodeAddress)}
	if stage != 0 {
		filters = append(filters, col_stage.Eq(int(stage)))
	}
	return c.list(ctx, c.page(filters, limit))
}

func (c *SQLJobCache) UpdateNodeAddressFailover(ctx context.Context, nodeAddress string, jobIds []string, stage Stage) (int64, error) {
	if len(jobIds) == 0 {
		return 0, nil
	}
	return c.execute(ctx, c.goquDb.Update(jobCacheTable).
		Set(goqu.Record{"node_address": nodeAddress, "stage": int(stage), "gmt_modified": c.now()}).
		Where(col_jobId.In(jobIds)).
		Prepared(true).
		Executor())
}

func (c *SQLJobCache) GetAllNodeAddress(ctx context.Context) ([]string, error) {
	nodes := []string{}
	err := c.goquDb.From(jobCacheTable).
		Select(col_nodeAddress).
		Distinct().
		Order(col_nodeAddress.Asc()).
		Prepared(true).
		ScanValsContext(ctx, &nodes)
	return nodes, errors.WithStack(err)
}

func (c *SQLJobCache) CountByStage(ctx context.Context, jobResource string, stages []Stage, nodeAddress string) (int64, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	values := make([]int, 0, len(stages))
	for _, stage := range stages {
		values = append(values, int(stage))
	}
	filters := []exp.Expression{col_stage.In(values), col_nodeAddress.Eq(nodeAddress)}
	if jobResource != "" {
		filters = append(filters, col_jobResource.Eq(jobResource))
	}
	n, err := c.goquDb.From(jobCacheTable).Where(filters...).Prepared(true).CountContext(ctx)
	return n, errors.WithStack(err)
}

func (c *SQLJobCache) Check(ctx context.Context) error {
	return errors.Wrap(c.db.PingContext(ctx), "job cache database is unreachable")
}

func (c *SQLJobCache) Close() error {
	return c.db.Close()
}

func (c *SQLJobCache) page(filters []exp.Expression, limit int) *goqu.SelectDataset {
	ds := c.goquDb.From(jobCacheTable).Where(filters...).Order(col_id.Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return ds
}

func (c *SQLJobCache) list(ctx context.Context, ds *goqu.SelectDataset) ([]*Record, error) {
	records := []*Record{}
	if err := ds.Prepared(true).ScanStructsContext(ctx, &records); err != nil {
		return nil, errors.WithStack(err)
	}
	return records, nil
}

func (c *SQLJobCache) execute(ctx context.Context, executor exec.QueryExecutor) (int64, error) {
	result, err := executor.ExecContext(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := result.RowsAffected()
	return n, errors.WithStack(err)
}
