package enginemaster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/internal/coordination"
	"github.com/enginemaster/enginemaster/internal/enginemaster/configuration"
	"github.com/enginemaster/enginemaster/internal/engines/fake"
	"github.com/enginemaster/enginemaster/internal/executor"
	"github.com/enginemaster/enginemaster/internal/jobcache"
	"github.com/enginemaster/enginemaster/internal/queue"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const localNode = "node-b"

var baseTime = time.UnixMilli(1665662400000)

type testEngines map[string]engine.Client

func (e testEngines) Resolve(engineType string) (engine.Client, error) {
	client, ok := e[engineType]
	if !ok {
		return nil, errors.WithStack(&engineerrors.ErrNotFound{Type: "engine type", Value: engineType})
	}
	return client, nil
}

func (e testEngines) IsConfigured(engineType string) bool {
	_, ok := e[engineType]
	return ok
}

type fixture struct {
	master    *Master
	exec      *executor.Executor
	cache     jobcache.JobCache
	repo      *coordination.InMemoryPriorityRepository
	snapshots *coordination.SnapshotCache
	clock     *util.DummyClock
	client    *fake.Client
	completed chan *engine.JobRequest
}

func testConfig() *configuration.EngineMasterConfiguration {
	return &configuration.EngineMasterConfiguration{
		NodeAddress:         localNode,
		RecentJobsCacheSize: 100,
		Queue:               configuration.QueueConfig{MaxGroupQueueLength: 2, DefaultGroup: "default"},
		Dispatch:            configuration.DispatchConfig{IngestBatchSize: 2, MinFreeCores: 1},
		Coordination: configuration.CoordinationConfig{
			RefreshInterval:  2 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	logger, _ := test.NewNullLogger()
	clock := util.NewDummyClock(baseTime)
	config := testConfig()

	client := &fake.Client{}
	engines := testEngines{"spark": client}
	exec := executor.New(engines, executor.Config{Slots: 2}, logger)
	cache, err := jobcache.NewMemJobCache(clock)
	require.NoError(t, err)
	repo := coordination.NewInMemoryPriorityRepository()
	snapshots := coordination.NewSnapshotCache(repo, clock, logger)
	queues := queue.NewManager(queue.Config{MaxGroupQueueLength: 2, DefaultGroup: "default"}, logger)

	master, err := NewMaster(config, engines, exec, queues, cache, repo, snapshots, clock, logger)
	require.NoError(t, err)
	completed := make(chan *engine.JobRequest, 100)
	master.SetStatusListener(StatusListenerFunc(func(job *engine.JobRequest) { completed <- job }))

	return &fixture{
		master:    master,
		exec:      exec,
		cache:     cache,
		repo:      repo,
		snapshots: snapshots,
		clock:     clock,
		client:    client,
		completed: completed,
	}
}

// withMaster runs action against a master whose executor is started and whose completions are consumed.
func withMaster(t *testing.T, action func(f *fixture)) {
	f := newFixture(t)
	f.exec.Start(context.Background())
	listening := make(chan error, 1)
	go func() {
		listening <- f.master.ListenCompletions(context.Background())
	}()
	defer func() {
		f.exec.Shutdown()
		<-f.exec.Done()
		<-listening
	}()
	action(f)
}

func (f *fixture) waitForCompletion(t *testing.T) *engine.JobRequest {
	select {
	case job := <-f.completed:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completion")
		return nil
	}
}

func (f *fixture) stage(t *testing.T, jobId string) jobcache.Stage {
	record, err := f.cache.GetOne(context.Background(), jobId)
	require.NoError(t, err)
	return record.Stage
}

func testJob(id string, priority int) *engine.JobRequest {
	return &engine.JobRequest{
		TaskId:      id,
		EngineType:  "spark",
		Priority:    priority,
		ComputeType: engine.ComputeTypeBatch,
		JobName:     "app-" + id,
		Operators:   []engine.Operator{&engine.ScriptOperator{Statement: "SELECT 1"}},
	}
}

func cachedRecord(t *testing.T, job *engine.JobRequest, node string, stage jobcache.Stage) *jobcache.Record {
	info, err := json.Marshal(job)
	require.NoError(t, err)
	return &jobcache.Record{
		JobId:       job.TaskId,
		EngineType:  job.EngineType,
		ComputeType: string(job.ComputeType),
		Stage:       stage,
		JobInfo:     string(info),
		NodeAddress: node,
		JobName:     job.JobName,
		JobPriority: int64(job.Priority),
		JobResource: jobcache.JobResource(job.EngineType, "default"),
	}
}

func TestMaster_SubmitDispatchComplete(t *testing.T) {
	withMaster(t, func(f *fixture) {
		ctx := context.Background()
		admitted, err := f.master.Submit(ctx, testJob("task-1", 3))
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, jobcache.StagePriority, f.stage(t, "task-1"))

		f.master.Dispatch(ctx)
		job := f.waitForCompletion(t)
		assert.Equal(t, "task-1", job.TaskId)
		assert.False(t, job.Result().IsErr())
		assert.Equal(t, 1, f.client.ScriptSubmits())

		record, err := f.cache.GetOne(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, jobcache.StageSubmitted, record.Stage)
		decoded := &engine.JobRequest{}
		require.NoError(t, json.Unmarshal([]byte(record.JobInfo), decoded))
		assert.Equal(t, "fake-task-1", decoded.EngineTaskId())
		assert.Equal(t, 0, f.master.Queues().Get("spark").Len())

		_, err = f.master.Submit(ctx, testJob("task-1", 3))
		var invalid *engineerrors.ErrInvalidArgument
		assert.True(t, errors.As(err, &invalid))
	})
}

func TestMaster_SubmitValidation(t *testing.T) {
	tests := map[string]struct {
		job      *engine.JobRequest
		notFound bool
	}{
		"nil job":             {job: nil},
		"missing task id":     {job: testJob("", 1)},
		"unknown engine type": {job: &engine.JobRequest{TaskId: "t", EngineType: "flink"}, notFound: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			admitted, err := f.master.Submit(context.Background(), tc.job)
			assert.False(t, admitted)
			if tc.notFound {
				var e *engineerrors.ErrNotFound
				assert.True(t, errors.As(err, &e))
			} else {
				var e *engineerrors.ErrInvalidArgument
				assert.True(t, errors.As(err, &e))
			}
		})
	}
}

func TestMaster_SubmitRejectsQueuedDuplicate(t *testing.T) {
	f := newFixture(t)
	_, err := f.master.Submit(context.Background(), testJob("task-1", 1))
	require.NoError(t, err)
	_, err = f.master.Submit(context.Background(), testJob("task-1", 1))
	var invalid *engineerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestMaster_FullGroupParksJobUntilIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"task-1", "task-2"} {
		admitted, err := f.master.Submit(ctx, testJob(id, 1))
		require.NoError(t, err)
		require.True(t, admitted)
	}

	admitted, err := f.master.Submit(ctx, testJob("task-3", 1))
	require.NoError(t, err)
	assert.False(t, admitted)
	record, err := f.cache.GetOne(ctx, "task-3")
	require.NoError(t, err)
	assert.Equal(t, jobcache.StageDB, record.Stage)
	assert.Equal(t, waitReasonQueueFull, record.WaitReason)

	// Still full, nothing to admit.
	f.master.Ingest(ctx)
	assert.Equal(t, jobcache.StageDB, f.stage(t, "task-3"))

	result := f.master.Cancel(ctx, "spark", "task-1")
	assert.False(t, result.IsErr())
	f.master.Ingest(ctx)
	assert.Equal(t, jobcache.StagePriority, f.stage(t, "task-3"))
	assert.True(t, f.master.Queues().Get("spark").Contains("task-3"))
}

func TestMaster_FailedSubmissionIsDropped(t *testing.T) {
	withMaster(t, func(f *fixture) {
		ctx := context.Background()
		f.client.SubmitFunc = func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
			return engine.NewErrorResult("no resources"), nil
		}
		_, err := f.master.Submit(ctx, testJob("task-1", 1))
		require.NoError(t, err)

		f.master.Dispatch(ctx)
		job := f.waitForCompletion(t)
		assert.Equal(t, "no resources", job.Result().Message())

		_, err = f.cache.GetOne(ctx, "task-1")
		var notFound *engineerrors.ErrNotFound
		assert.True(t, errors.As(err, &notFound))
		assert.False(t, f.master.Queues().Get("spark").Contains("task-1"))
	})
}

func TestMaster_DispatchWaitsForHigherPriorityPeer(t *testing.T) {
	withMaster(t, func(f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.repo.PublishPriorities("spark", "node-a", map[string]int{"default": 10}))
		require.NoError(t, f.snapshots.Refresh())

		_, err := f.master.Submit(ctx, testJob("task-1", 1))
		require.NoError(t, err)
		f.master.Dispatch(ctx)

		record, err := f.cache.GetOne(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, jobcache.StageLacking, record.Stage)
		assert.Equal(t, waitReasonPriority, record.WaitReason)
		assert.Equal(t, 0, f.client.ScriptSubmits())

		require.NoError(t, f.repo.PublishPriorities("spark", "node-a", map[string]int{"default": 1}))
		require.NoError(t, f.snapshots.Refresh())
		f.master.Dispatch(ctx)
		f.waitForCompletion(t)
		assert.Equal(t, jobcache.StageSubmitted, f.stage(t, "task-1"))
	})
}

func TestMaster_DispatchRespectsFreeCores(t *testing.T) {
	withMaster(t, func(f *fixture) {
		ctx := context.Background()
		f.client.ResourcesFunc = func(ctx context.Context) *engine.ResourceInfo {
			return &engine.ResourceInfo{AliveWorkers: 1, TotalCores: 4, UsedCores: 3}
		}
		for _, id := range []string{"task-1", "task-2"} {
			_, err := f.master.Submit(ctx, testJob(id, 1))
			require.NoError(t, err)
		}

		f.master.Dispatch(ctx)
		job := f.waitForCompletion(t)
		assert.Equal(t, "task-1", job.TaskId)

		record, err := f.cache.GetOne(ctx, "task-2")
		require.NoError(t, err)
		assert.Equal(t, jobcache.StageLacking, record.Stage)
		assert.Equal(t, waitReasonResources, record.WaitReason)
	})
}

func TestMaster_Recover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	malformed := cachedRecord(t, testJob("broken", 1), localNode, jobcache.StagePriority)
	malformed.JobInfo = "{"
	records := []*jobcache.Record{
		cachedRecord(t, testJob("queued", 1), localNode, jobcache.StagePriority),
		cachedRecord(t, testJob("lacking", 2), localNode, jobcache.StageLacking),
		cachedRecord(t, testJob("waiting", 1), localNode, jobcache.StageDB),
		cachedRecord(t, testJob("submitted", 1), localNode, jobcache.StageSubmitted),
		cachedRecord(t, testJob("elsewhere", 1), "node-a", jobcache.StagePriority),
		malformed,
	}
	for _, r := range records {
		require.NoError(t, f.cache.Insert(ctx, r))
	}

	recovered, err := f.master.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	q := f.master.Queues().Get("spark")
	assert.True(t, q.Contains("queued"))
	assert.True(t, q.Contains("lacking"))
	assert.False(t, q.Contains("waiting"))
	assert.False(t, q.Contains("elsewhere"))
	_, err = f.cache.GetOne(ctx, "broken")
	assert.Error(t, err)
}

func TestMaster_Failover(t *testing.T) {
	tests := map[string]struct {
		heartbeats map[string]time.Duration
		expectMove bool
	}{
		"smallest live node takes over": {
			heartbeats: map[string]time.Duration{localNode: 0, "node-c": 0, "node-a": -time.Minute},
			expectMove: true,
		},
		"another node is leader": {
			heartbeats: map[string]time.Duration{localNode: 0, "node-0": 0, "node-a": -time.Minute},
			expectMove: false,
		},
		"nothing is dead": {
			heartbeats: map[string]time.Duration{localNode: 0, "node-a": -10 * time.Second},
			expectMove: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for node, offset := range tc.heartbeats {
				require.NoError(t, f.repo.Heartbeat(node, baseTime.Add(offset)))
			}
			for _, r := range []*jobcache.Record{
				cachedRecord(t, testJob("pending", 1), "node-a", jobcache.StageLacking),
				cachedRecord(t, testJob("submitted", 1), "node-a", jobcache.StageSubmitted),
			} {
				require.NoError(t, f.cache.Insert(ctx, r))
			}

			f.master.Failover(ctx)

			pending, err := f.cache.GetOne(ctx, "pending")
			require.NoError(t, err)
			submitted, err := f.cache.GetOne(ctx, "submitted")
			require.NoError(t, err)
			heartbeats, err := f.repo.GetHeartbeats()
			require.NoError(t, err)
			if tc.expectMove {
				assert.Equal(t, localNode, pending.NodeAddress)
				assert.Equal(t, jobcache.StageDB, pending.Stage)
				assert.Equal(t, localNode, submitted.NodeAddress)
				assert.Equal(t, jobcache.StageSubmitted, submitted.Stage)
				assert.NotContains(t, heartbeats, "node-a")
			} else {
				assert.Equal(t, "node-a", pending.NodeAddress)
				assert.Equal(t, "node-a", submitted.NodeAddress)
				assert.Contains(t, heartbeats, "node-a")
			}
		})
	}
}

func TestMaster_FailoverAdoptsJobsOfNodesWithoutHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.Insert(ctx, cachedRecord(t, testJob("orphan", 1), "node-z", jobcache.StagePriority)))

	f.master.Failover(ctx)

	record, err := f.cache.GetOne(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, localNode, record.NodeAddress)
	assert.Equal(t, jobcache.StageDB, record.Stage)
}

func TestMaster_Cancel(t *testing.T) {
	withMaster(t, func(f *fixture) {
		ctx := context.Background()
		_, err := f.master.Submit(ctx, testJob("queued", 1))
		require.NoError(t, err)
		assert.False(t, f.master.Cancel(ctx, "spark", "queued").IsErr())
		assert.False(t, f.master.Queues().Get("spark").Contains("queued"))
		_, err = f.cache.GetOne(ctx, "queued")
		assert.Error(t, err)
		assert.Empty(t, f.client.Cancels())

		_, err = f.master.Submit(ctx, testJob("running", 1))
		require.NoError(t, err)
		f.master.Dispatch(ctx)
		f.waitForCompletion(t)
		assert.False(t, f.master.Cancel(ctx, "spark", "running").IsErr())

		assert.False(t, f.master.Cancel(ctx, "spark", "driver-7").IsErr())
		assert.Equal(t, []string{"fake-running", "driver-7"}, f.client.Cancels())
	})
}

func TestMaster_Passthroughs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Equal(t, engine.StatusRunning, f.master.GetStatus(ctx, "spark", "driver-1"))
	assert.Equal(t, engine.StatusFailed, f.master.GetStatus(ctx, "flink", "driver-1"))
	assert.Equal(t, []string{"driver-1: fake log"}, f.master.GetLog(ctx, "spark", "driver-1").Lines())
	assert.False(t, f.master.GetResources(ctx, "spark").Known())
}

func TestMaster_JobsNotSubmittedBeforeShutdownStayCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.master.Submit(ctx, testJob("task-1", 1))
	require.NoError(t, err)

	// The executor never starts, so the job is completed by the shutdown.
	f.master.Dispatch(ctx)
	f.exec.Shutdown()
	require.NoError(t, f.master.ListenCompletions(ctx))

	job := f.waitForCompletion(t)
	assert.True(t, executor.NotSubmitted(job.Result()))
	assert.Equal(t, jobcache.StagePriority, f.stage(t, "task-1"))
	assert.False(t, f.master.Queues().Get("spark").Contains("task-1"))
}
