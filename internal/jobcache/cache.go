// Package jobcache persists the jobs a node has accepted but not yet handed off, so that the queues can
// be rebuilt after a restart and the jobs of a dead node can be taken over by a live one.
package jobcache

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// Stage is the lifecycle position of a cached job.
type Stage int

const (
	// StageDB jobs are persisted and wait to be admitted to a queue.
	StageDB Stage = 1
	// StagePriority jobs are in a group queue.
	StagePriority Stage = 2
	// StageLacking jobs are queued but their engine lacks resources, or a peer has a higher priority.
	StageLacking Stage = 3
	// StageSubmitted jobs have been accepted by their engine.
	StageSubmitted Stage = 4
)

var stageNames = map[Stage]string{
	StageDB:        "db",
	StagePriority:  "priority",
	StageLacking:   "lacking",
	StageSubmitted: "submitted",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) Value() (driver.Value, error) {
	return int64(s), nil
}

// AllStages in lifecycle order.
var AllStages = []Stage{StageDB, StagePriority, StageLacking, StageSubmitted}

// Record is one cached job. Id is assigned on insert and only used for paging.
type Record struct {
	Id          int64  `db:"id" goqu:"skipinsert,skipupdate"`
	JobId       string `db:"job_id"`
	EngineType  string `db:"engine_type"`
	ComputeType string `db:"compute_type"`
	Stage       Stage  `db:"stage"`
	// JSON encoded engine.JobRequest
	JobInfo     string `db:"job_info"`
	NodeAddress string `db:"node_address"`
	JobName     string `db:"job_name"`
	JobPriority int64  `db:"job_priority"`
	JobResource string `db:"job_resource"`
	WaitReason  string `db:"wait_reason"`
	// Unix milliseconds
	GmtCreate   int64 `db:"gmt_create"`
	GmtModified int64 `db:"gmt_modified"`
}

func (r *Record) copy() *Record {
	c := *r
	return &c
}

// JobResource identifies the group queue a job belongs to.
func JobResource(engineType, group string) string {
	return engineType + "_" + group
}

type JobCache interface {
	// Insert stores r and sets its Id and timestamps. It fails if the job id is already cached.
	Insert(ctx context.Context, r *Record) error
	Delete(ctx context.Context, jobId string) error
	DeleteByJobIds(ctx context.Context, jobIds []string) (int64, error)
	// GetOne returns an ErrNotFound if the job is not cached.
	GetOne(ctx context.Context, jobId string) (*Record, error)
	GetByJobIds(ctx context.Context, jobIds []string) ([]*Record, error)
	// UpdateStage moves a job to stage on nodeAddress. It returns an ErrNotFound if the job is not cached.
	UpdateStage(ctx context.Context, jobId string, stage Stage, nodeAddress string, priority int64, waitReason string) error
	UpdateStageBatch(ctx context.Context, jobIds []string, stage Stage, nodeAddress string) (int64, error)
	UpdateJobInfo(ctx context.Context, jobId, jobInfo string) error
	// ListByStage pages, by ascending Id after startId, through the jobs of nodeAddress in stage.
	// An empty jobResource matches every job resource.
	ListByStage(ctx context.Context, startId int64, nodeAddress string, stage Stage, jobResource string, limit int) ([]*Record, error)
	// ListByFailover pages through the jobs of nodeAddress. A zero stage matches every stage.
	ListByFailover(ctx context.Context, startId int64, nodeAddress string, stage Stage, limit int) ([]*Record, error)
	// UpdateNodeAddressFailover reassigns jobIds to nodeAddress and moves them to stage.
	UpdateNodeAddressFailover(ctx context.Context, nodeAddress string, jobIds []string, stage Stage) (int64, error)
	// GetAllNodeAddress returns the distinct owners of cached jobs, sorted.
	GetAllNodeAddress(ctx context.Context) ([]string, error)
	// CountByStage counts the jobs of nodeAddress in any of stages. An empty jobResource matches every job resource.
	CountByStage(ctx context.Context, jobResource string, stages []Stage, nodeAddress string) (int64, error)
	Check(ctx context.Context) error
	Close() error
}
