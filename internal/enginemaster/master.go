// Package enginemaster runs one node of the scheduler: it admits jobs into the group queues, hands the
// head of each group to the executor once this node holds the highest priority for it, records every
// transition in the job cache and takes over the jobs of dead nodes.
package enginemaster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/logging"
	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/internal/coordination"
	"github.com/enginemaster/enginemaster/internal/enginemaster/configuration"
	"github.com/enginemaster/enginemaster/internal/executor"
	"github.com/enginemaster/enginemaster/internal/jobcache"
	"github.com/enginemaster/enginemaster/internal/queue"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	DefaultRecentJobsCacheSize = 10000

	waitReasonQueueFull = "group queue is full"
	waitReasonPriority  = "a peer holds a higher priority for the group"
	waitReasonResources = "engine lacks free resources"
)

// EngineCatalog tells which engine types this node serves.
type EngineCatalog interface {
	IsConfigured(engineType string) bool
}

// JobExecutor submits jobs and forwards the other engine calls. It is implemented by executor.Executor.
type JobExecutor interface {
	Submit(job *engine.JobRequest) error
	Completions() <-chan *engine.JobRequest
	GetStatus(ctx context.Context, engineType, engineJobId string) engine.TaskStatus
	Cancel(ctx context.Context, engineType, engineJobId string) *engine.JobResult
	GetLog(ctx context.Context, engineType, engineJobId string) *engine.LogBundle
	GetResources(ctx context.Context, engineType string) *engine.ResourceInfo
}

// SnapshotSource returns the latest known priorities of every node for an engine type.
type SnapshotSource interface {
	Get(engineType string) (queue.PrioritySnapshot, time.Duration, bool)
}

// StatusListener is told about every job once its submission has finished, successfully or not.
type StatusListener interface {
	OnCompletion(job *engine.JobRequest)
}

type StatusListenerFunc func(job *engine.JobRequest)

func (f StatusListenerFunc) OnCompletion(job *engine.JobRequest) {
	f(job)
}

type Master struct {
	config    *configuration.EngineMasterConfiguration
	node      string
	engines   EngineCatalog
	executor  JobExecutor
	queues    *queue.Manager
	cache     jobcache.JobCache
	repo      coordination.PriorityRepository
	snapshots SnapshotSource
	clock     util.Clock
	logger    log.FieldLogger
	// Ids of jobs that reached a terminal result, to reject resubmission.
	recent *lru.Cache

	mu          sync.Mutex
	listener    StatusListener
	waitReasons map[string]string
}

func NewMaster(
	config *configuration.EngineMasterConfiguration,
	engines EngineCatalog,
	executor JobExecutor,
	queues *queue.Manager,
	cache jobcache.JobCache,
	repo coordination.PriorityRepository,
	snapshots SnapshotSource,
	clock util.Clock,
	logger log.FieldLogger,
) (*Master, error) {
	size := config.RecentJobsCacheSize
	if size <= 0 {
		size = DefaultRecentJobsCacheSize
	}
	recent, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Master{
		config:      config,
		node:        config.NodeAddress,
		engines:     engines,
		executor:    executor,
		queues:      queues,
		cache:       cache,
		repo:        repo,
		snapshots:   snapshots,
		clock:       clock,
		logger:      logger.WithField("node", config.NodeAddress),
		recent:      recent,
		waitReasons: map[string]string{},
	}, nil
}

func (m *Master) SetStatusListener(listener StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

// Queues exposes the queues of this node, e.g. to publish their priorities.
func (m *Master) Queues() *queue.Manager {
	return m.queues
}

// Submit admits job. It returns true if the job was queued. A job whose group is full is persisted and
// false is returned; the ingest task admits it once the group has room. Any other refusal is an error.
func (m *Master) Submit(ctx context.Context, job *engine.JobRequest) (bool, error) {
	if err := m.validate(job); err != nil {
		return false, err
	}
	logger := m.logger.WithField("taskId", job.TaskId).WithField("engineType", job.EngineType)

	now := m.clock.Now()
	if job.GenerateTime.IsZero() {
		job.GenerateTime = now
	}
	record, err := m.newRecord(job)
	if err != nil {
		return false, err
	}

	q := m.queues.Get(job.EngineType)
	err = q.TryAdd(job, now)
	var full *engineerrors.ErrQueueFull
	if errors.As(err, &full) {
		record.Stage = jobcache.StageDB
		record.WaitReason = waitReasonQueueFull
		if err := m.cache.Insert(ctx, record); err != nil {
			return false, err
		}
		logger.Infof("Group %s is full, job waits in the job cache", full.Group)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	record.Stage = jobcache.StagePriority
	if err := m.cache.Insert(ctx, record); err != nil {
		q.Remove(q.GroupOf(job), job.TaskId)
		return false, err
	}
	logger.Debug("Job admitted")
	return true, nil
}

func (m *Master) validate(job *engine.JobRequest) error {
	if job == nil {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "job must not be nil"})
	}
	if job.TaskId == "" {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "taskId", Value: job.TaskId, Message: "task id is required"})
	}
	if !m.engines.IsConfigured(job.EngineType) {
		return errors.WithStack(&engineerrors.ErrNotFound{Type: "engine type", Value: job.EngineType})
	}
	if m.recent.Contains(job.TaskId) {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "taskId", Value: job.TaskId, Message: "job has already been submitted"})
	}
	if m.queues.Get(job.EngineType).Contains(job.TaskId) {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "taskId", Value: job.TaskId, Message: "job is already queued"})
	}
	return nil
}

func (m *Master) newRecord(job *engine.JobRequest) (*jobcache.Record, error) {
	info, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding job %s", job.TaskId)
	}
	group := m.queues.Get(job.EngineType).GroupOf(job)
	return &jobcache.Record{
		JobId:       job.TaskId,
		EngineType:  job.EngineType,
		ComputeType: string(job.ComputeType),
		JobInfo:     string(info),
		NodeAddress: m.node,
		JobName:     job.JobName,
		JobPriority: int64(job.Priority),
		JobResource: jobcache.JobResource(job.EngineType, group),
	}, nil
}

// Dispatch walks every group of every engine type, oldest activity first, and hands group heads to the
// executor while this node holds the highest priority for the group and the engine has room. A head that
// has to wait is recorded as lacking in the job cache.
func (m *Master) Dispatch(ctx context.Context) {
	for _, engineType := range m.queues.EngineTypes() {
		if ctx.Err() != nil {
			return
		}
		m.dispatchEngineType(ctx, engineType)
	}
}

func (m *Master) dispatchEngineType(ctx context.Context, engineType string) {
	q := m.queues.Get(engineType)
	groups := q.OrderedGroups()
	if len(groups) == 0 {
		return
	}
	logger := m.logger.WithField("engineType", engineType)

	snapshot, age, ok := m.snapshots.Get(engineType)
	if ok && age > 2*m.config.Coordination.RefreshInterval {
		logger.Warnf("Arbitrating against a priority snapshot that is %s old", age)
	}
	resources := m.executor.GetResources(ctx, engineType)
	freeCores := resources.FreeCores()
	minFreeCores := m.config.Dispatch.MinFreeCores

	for _, group := range groups {
		for {
			head, ok := q.PeekDispatchable(group)
			if !ok {
				break
			}
			if !q.CheckLocalPriorityIsMax(group, m.node, snapshot) {
				m.markLacking(ctx, head, waitReasonPriority)
				break
			}
			if resources.Known() && freeCores < minFreeCores {
				m.markLacking(ctx, head, waitReasonResources)
				break
			}
			job, ok := q.NextDispatchable(group)
			if !ok {
				break
			}
			// Before Submit, so that the completion is always the last write to the record.
			m.markDispatched(ctx, job)
			if err := m.executor.Submit(job); err != nil {
				// The record stays at the priority stage and is queued again by Recover.
				logging.WithStacktrace(logger, err).WithField("taskId", job.TaskId).Error("Failed to hand job to executor")
				q.Remove(group, job.TaskId)
				return
			}
			freeCores -= minFreeCores
		}
	}
}

func (m *Master) markLacking(ctx context.Context, job *engine.JobRequest, reason string) {
	m.mu.Lock()
	if m.waitReasons[job.TaskId] == reason {
		m.mu.Unlock()
		return
	}
	m.waitReasons[job.TaskId] = reason
	m.mu.Unlock()

	err := m.cache.UpdateStage(ctx, job.TaskId, jobcache.StageLacking, m.node, int64(job.Priority), reason)
	if err != nil {
		m.logger.WithError(err).WithField("taskId", job.TaskId).Warn("Failed to record waiting job")
		m.forgetWaitReason(job.TaskId)
	}
}

func (m *Master) markDispatched(ctx context.Context, job *engine.JobRequest) {
	m.mu.Lock()
	_, waited := m.waitReasons[job.TaskId]
	delete(m.waitReasons, job.TaskId)
	m.mu.Unlock()
	if !waited {
		return
	}
	err := m.cache.UpdateStage(ctx, job.TaskId, jobcache.StagePriority, m.node, int64(job.Priority), "")
	if err != nil {
		m.logger.WithError(err).WithField("taskId", job.TaskId).Warn("Failed to clear wait reason of dispatched job")
	}
}

func (m *Master) forgetWaitReason(taskId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waitReasons, taskId)
}

// ListenCompletions consumes executor notifications until the channel is closed or ctx is cancelled.
func (m *Master) ListenCompletions(ctx context.Context) error {
	completions := m.executor.Completions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-completions:
			if !ok {
				return nil
			}
			m.handleCompletion(ctx, job)
		}
	}
}

func (m *Master) handleCompletion(ctx context.Context, job *engine.JobRequest) {
	logger := m.logger.WithField("taskId", job.TaskId).WithField("engineType", job.EngineType)
	q := m.queues.Get(job.EngineType)
	q.Remove(q.GroupOf(job), job.TaskId)
	m.forgetWaitReason(job.TaskId)

	result := job.Result()
	switch {
	case executor.NotSubmitted(result):
		// Never reached the engine; the cached record lets the next start queue it again.
		logger.Info("Job was not submitted before shutdown")
	case result == nil || result.IsErr():
		m.recent.Add(job.TaskId, struct{}{})
		if err := m.cache.Delete(ctx, job.TaskId); err != nil {
			logger.WithError(err).Warn("Failed to delete failed job from the job cache")
		}
	default:
		m.recent.Add(job.TaskId, struct{}{})
		if err := m.recordSubmitted(ctx, job); err != nil {
			logger.WithError(err).Warn("Failed to record submitted job in the job cache")
		}
	}

	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.OnCompletion(job)
	}
}

func (m *Master) recordSubmitted(ctx context.Context, job *engine.JobRequest) error {
	if err := m.cache.UpdateStage(ctx, job.TaskId, jobcache.StageSubmitted, m.node, int64(job.Priority), ""); err != nil {
		return err
	}
	info, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "encoding job %s", job.TaskId)
	}
	return m.cache.UpdateJobInfo(ctx, job.TaskId, string(info))
}

// Ingest admits the cached jobs of this node that are waiting for room in their group.
func (m *Master) Ingest(ctx context.Context) {
	admitted, err := m.ingest(ctx)
	if err != nil {
		logging.WithStacktrace(m.logger, err).Warn("Failed to ingest jobs from the job cache")
	}
	if admitted > 0 {
		m.logger.Infof("Admitted %d jobs from the job cache", admitted)
	}
}

func (m *Master) ingest(ctx context.Context) (int, error) {
	admitted := 0
	err := m.eachRecord(ctx, jobcache.StageDB, func(record *jobcache.Record) error {
		job, ok := m.decode(ctx, record)
		if !ok {
			return nil
		}
		q := m.queues.Get(job.EngineType)
		err := q.TryAdd(job, m.clock.Now())
		var full *engineerrors.ErrQueueFull
		if errors.As(err, &full) {
			return nil
		}
		if err != nil {
			m.logger.WithError(err).WithField("taskId", job.TaskId).Warn("Could not admit cached job")
			return nil
		}
		if err := m.cache.UpdateStage(ctx, job.TaskId, jobcache.StagePriority, m.node, int64(job.Priority), ""); err != nil {
			q.Remove(q.GroupOf(job), job.TaskId)
			return err
		}
		admitted++
		return nil
	})
	return admitted, err
}

// Recover queues again the jobs this node had admitted before it stopped. Admission limits are not
// applied, as these jobs were admitted once already. It returns the number of jobs queued.
func (m *Master) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, stage := range []jobcache.Stage{jobcache.StagePriority, jobcache.StageLacking} {
		err := m.eachRecord(ctx, stage, func(record *jobcache.Record) error {
			job, ok := m.decode(ctx, record)
			if !ok {
				return nil
			}
			if m.queues.Get(job.EngineType).Add(job, time.UnixMilli(record.GmtCreate)) {
				recovered++
			}
			return nil
		})
		if err != nil {
			return recovered, err
		}
	}
	m.logger.Infof("Recovered %d jobs from the job cache", recovered)
	return recovered, nil
}

func (m *Master) eachRecord(ctx context.Context, stage jobcache.Stage, fn func(*jobcache.Record) error) error {
	batchSize := m.config.Dispatch.IngestBatchSize
	var startId int64
	for {
		records, err := m.cache.ListByStage(ctx, startId, m.node, stage, "", batchSize)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}
			startId = record.Id
		}
		if len(records) < batchSize {
			return nil
		}
	}
}

// decode returns the job held by record. Records that cannot be decoded or name an engine type this node
// does not serve are dropped from the cache.
func (m *Master) decode(ctx context.Context, record *jobcache.Record) (*engine.JobRequest, bool) {
	logger := m.logger.WithField("taskId", record.JobId)
	job := &engine.JobRequest{}
	err := json.Unmarshal([]byte(record.JobInfo), job)
	if err == nil && !m.engines.IsConfigured(job.EngineType) {
		err = errors.WithStack(&engineerrors.ErrNotFound{Type: "engine type", Value: job.EngineType})
	}
	if err != nil {
		logger.WithError(err).Error("Dropping unusable job from the job cache")
		if err := m.cache.Delete(ctx, record.JobId); err != nil {
			logger.WithError(err).Warn("Failed to delete unusable job")
		}
		return nil, false
	}
	return job, true
}

// Failover reassigns the jobs of dead nodes. Only the live node with the smallest address does this, so
// that two nodes do not both take over the same jobs. A node is dead when its heartbeat is older than the
// heartbeat timeout, or when it owns cached jobs but has no heartbeat at all.
func (m *Master) Failover(ctx context.Context) {
	if err := m.failover(ctx); err != nil {
		logging.WithStacktrace(m.logger, err).Warn("Failover failed")
	}
}

func (m *Master) failover(ctx context.Context) error {
	heartbeats, err := m.repo.GetHeartbeats()
	if err != nil {
		return err
	}
	owners, err := m.cache.GetAllNodeAddress(ctx)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	timeout := m.config.Coordination.HeartbeatTimeout
	leader := m.node
	dead := map[string]bool{}
	for node, beat := range heartbeats {
		if now.Sub(beat) > timeout {
			dead[node] = true
		} else if node < leader {
			leader = node
		}
	}
	for _, node := range owners {
		if _, ok := heartbeats[node]; !ok {
			dead[node] = true
		}
	}
	delete(dead, m.node)
	if leader != m.node || len(dead) == 0 {
		return nil
	}

	for node := range dead {
		moved, err := m.takeOver(ctx, node)
		if err != nil {
			return errors.WithMessagef(err, "taking over jobs of %s", node)
		}
		if err := m.repo.RemoveNode(node); err != nil {
			return err
		}
		m.logger.WithField("deadNode", node).Infof("Took over %d jobs", moved)
	}
	return nil
}

func (m *Master) takeOver(ctx context.Context, node string) (int64, error) {
	batchSize := m.config.Dispatch.IngestBatchSize
	var moved int64
	var startId int64
	for {
		records, err := m.cache.ListByFailover(ctx, startId, node, 0, batchSize)
		if err != nil {
			return moved, err
		}
		var submitted, pending []string
		for _, record := range records {
			if record.Stage == jobcache.StageSubmitted {
				submitted = append(submitted, record.JobId)
			} else {
				pending = append(pending, record.JobId)
			}
			startId = record.Id
		}
		// Pending jobs start over at admission; submitted ones only change owner.
		for stage, ids := range map[jobcache.Stage][]string{jobcache.StageDB: pending, jobcache.StageSubmitted: submitted} {
			if len(ids) == 0 {
				continue
			}
			n, err := m.cache.UpdateNodeAddressFailover(ctx, m.node, ids, stage)
			if err != nil {
				return moved, err
			}
			moved += n
		}
		if len(records) < batchSize {
			return moved, nil
		}
	}
}

// GetStatus polls the engine for the job it knows as engineJobId.
func (m *Master) GetStatus(ctx context.Context, engineType, engineJobId string) engine.TaskStatus {
	return m.executor.GetStatus(ctx, engineType, engineJobId)
}

// Cancel stops a job. id is either the task id of a job this node knows about or an engine job id. A job
// still waiting in a queue is simply dropped.
func (m *Master) Cancel(ctx context.Context, engineType, id string) *engine.JobResult {
	logger := m.logger.WithField("engineType", engineType).WithField("id", id)
	q := m.queues.Get(engineType)
	if group, ok := q.Find(id); ok && !q.IsDispatched(id) {
		if q.Remove(group, id) {
			m.forgetWaitReason(id)
			if err := m.cache.Delete(ctx, id); err != nil {
				logger.WithError(err).Warn("Failed to delete cancelled job from the job cache")
			}
			logger.Info("Cancelled queued job")
			return engine.NewSuccessResult("")
		}
	}

	engineJobId := id
	record, err := m.cache.GetOne(ctx, id)
	var notFound *engineerrors.ErrNotFound
	switch {
	case err == nil:
		job := &engine.JobRequest{}
		if err := json.Unmarshal([]byte(record.JobInfo), job); err == nil && job.EngineTaskId() != "" {
			engineJobId = job.EngineTaskId()
		}
	case !errors.As(err, &notFound):
		logger.WithError(err).Warn("Failed to look up job in the job cache, treating id as an engine job id")
	}
	return m.executor.Cancel(ctx, engineType, engineJobId)
}

func (m *Master) GetLog(ctx context.Context, engineType, engineJobId string) *engine.LogBundle {
	return m.executor.GetLog(ctx, engineType, engineJobId)
}

func (m *Master) GetResources(ctx context.Context, engineType string) *engine.ResourceInfo {
	return m.executor.GetResources(ctx, engineType)
}
