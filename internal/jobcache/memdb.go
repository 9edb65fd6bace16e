package jobcache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/util"
)

const (
	jobCacheTableName = "job_cache"
	idIndex           = "id"
	nodeIndex         = "node"
)

func jobCacheSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobCacheTableName: {
				Name: jobCacheTableName,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
					nodeIndex: {
						Name:         nodeIndex,
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "NodeAddress"},
					},
				},
			},
		},
	}
}

// MemJobCache keeps the job cache in process memory. Stored records are never modified; updates insert a copy.
type MemJobCache struct {
	db    *memdb.MemDB
	clock util.Clock

	// Serialises writers so that sequence numbers follow commit order.
	mu     sync.Mutex
	nextId int64
}

func NewMemJobCache(clock util.Clock) (*MemJobCache, error) {
	db, err := memdb.NewMemDB(jobCacheSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemJobCache{db: db, clock: clock}, nil
}

func (c *MemJobCache) Insert(_ context.Context, r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobCacheTableName, idIndex, r.JobId)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "jobId", Value: r.JobId, Message: "job is already cached"})
	}

	c.nextId++
	now := c.clock.Now().UnixMilli()
	r.Id, r.GmtCreate, r.GmtModified = c.nextId, now, now
	if err := txn.Insert(jobCacheTableName, r.copy()); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *MemJobCache) Delete(ctx context.Context, jobId string) error {
	_, err := c.DeleteByJobIds(ctx, []string{jobId})
	return err
}

func (c *MemJobCache) DeleteByJobIds(_ context.Context, jobIds []string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn := c.db.Txn(true)
	defer txn.Abort()

	var n int64
	for _, jobId := range jobIds {
		deleted, err := txn.DeleteAll(jobCacheTableName, idIndex, jobId)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		n += int64(deleted)
	}
	txn.Commit()
	return n, nil
}

func (c *MemJobCache) GetOne(_ context.Context, jobId string) (*Record, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(jobCacheTableName, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return obj.(*Record).copy(), nil
}

func (c *MemJobCache) GetByJobIds(_ context.Context, jobIds []string) ([]*Record, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	records := []*Record{}
	for _, jobId := range jobIds {
		obj, err := txn.First(jobCacheTableName, idIndex, jobId)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj != nil {
			records = append(records, obj.(*Record).copy())
		}
	}
	sortById(records)
	return records, nil
}

// update applies fn to a copy of every cached job in jobIds that matches filter.
func (c *MemJobCache) update(jobIds []string, filter func(*Record) bool, fn func(*Record)) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn := c.db.Txn(true)
	defer txn.Abort()

	now := c.clock.Now().UnixMilli()
	var n int64
	for _, jobId := range jobIds {
		obj, err := txn.First(jobCacheTableName, idIndex, jobId)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if obj == nil || !filter(obj.(*Record)) {
			continue
		}
		updated := obj.(*Record).copy()
		fn(updated)
		updated.GmtModified = now
		if err := txn.Insert(jobCacheTableName, updated); err != nil {
			return 0, errors.WithStack(err)
		}
		n++
	}
	txn.Commit()
	return n, nil
}

func allRecords(*Record) bool { return true }

func (c *MemJobCache) UpdateStage(_ context.Context, jobId string, stage Stage, nodeAddress string, priority int64, waitReason string) error {
	n, err := c.update([]string{jobId}, allRecords, func(r *Record) {
		r.Stage, r.NodeAddress, r.JobPriority, r.WaitReason = stage, nodeAddress, priority, waitReason
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return nil
}

func (c *MemJobCache) UpdateStageBatch(_ context.Context, jobIds []string, stage Stage, nodeAddress string) (int64, error) {
	return c.update(jobIds,
		func(r *Record) bool { return r.NodeAddress == nodeAddress },
		func(r *Record) { r.Stage = stage },
	)
}

func (c *MemJobCache) UpdateJobInfo(_ context.Context, jobId, jobInfo string) error {
	n, err := c.update([]string{jobId}, allRecords, func(r *Record) { r.JobInfo = jobInfo })
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithStack(&engineerrors.ErrNotFound{Type: "cached job", Value: jobId})
	}
	return nil
}

func (c *MemJobCache) UpdateNodeAddressFailover(_ context.Context, nodeAddress string, jobIds []string, stage Stage) (int64, error) {
	return c.update(jobIds, allRecords, func(r *Record) {
		r.NodeAddress, r.Stage = nodeAddress, stage
	})
}

// byNode returns copies of the jobs of nodeAddress matching filter, by ascending Id.
func (c *MemJobCache) byNode(nodeAddress string, filter func(*Record) bool) ([]*Record, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobCacheTableName, nodeIndex, nodeAddress)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := []*Record{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if r := obj.(*Record); filter(r) {
			records = append(records, r.copy())
		}
	}
	sortById(records)
	return records, nil
}

func (c *MemJobCache) ListByStage(_ context.Context, startId int64, nodeAddress string, stage Stage, jobResource string, limit int) ([]*Record, error) {
	records, err := c.byNode(nodeAddress, func(r *Record) bool {
		return r.Id > startId && r.Stage == stage && (jobResource == "" || r.JobResource == jobResource)
	})
	return truncate(records, limit), err
}

func (c *MemJobCache) ListByFailover(_ context.Context, startId int64, nodeAddress string, stage Stage, limit int) ([]*Record, error) {
	records, err := c.byNode(nodeAddress, func(r *Record) bool {
		return r.Id > startId && (stage == 0 || r.Stage == stage)
	})
	return truncate(records, limit), err
}

func (c *MemJobCache) GetAllNodeAddress(_ context.Context) ([]string, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobCacheTableName, nodeIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	nodes := []string{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		node := obj.(*Record).NodeAddress
		// The node index iterates in node order, so duplicates are adjacent.
		if len(nodes) == 0 || nodes[len(nodes)-1] != node {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func (c *MemJobCache) CountByStage(_ context.Context, jobResource string, stages []Stage, nodeAddress string) (int64, error) {
	records, err := c.byNode(nodeAddress, func(r *Record) bool {
		return slices.Contains(stages, r.Stage) && (jobResource == "" || r.JobResource == jobResource)
	})
	return int64(len(records)), err
}

func (c *MemJobCache) Check(context.Context) error {
	return nil
}

func (c *MemJobCache) Close() error {
	return nil
}

func sortById(records []*Record) {
	slices.SortFunc(records, func(a, b *Record) bool { return a.Id < b.Id })
}

func truncate(records []*Record, limit int) []*Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
