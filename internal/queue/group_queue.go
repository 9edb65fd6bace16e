package queue

import (
	"time"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

type queuedJob struct {
	job         *engine.JobRequest
	enqueueTime time.Time
	// Handed to the executor; stays queued until its submission completes.
	dispatched bool
}

// GroupQueue holds the jobs of one (engine type, group) pair in arrival order and tracks the maximum
// priority and latest enqueue time of its members. It does no locking of its own; the owning
// EngineTypeQueue serialises access.
type GroupQueue struct {
	name string
	jobs []*queuedJob
	byId map[string]*queuedJob

	hasMax         bool
	maxPriority    int
	maxEnqueueTime time.Time
}

func NewGroupQueue(name string) *GroupQueue {
	return &GroupQueue{name: name, byId: map[string]*queuedJob{}}
}

func (q *GroupQueue) Name() string {
	return q.name
}

// Add appends job. It returns false, leaving the queue unchanged, if a job with the same task id is
// already queued.
func (q *GroupQueue) Add(job *engine.JobRequest, enqueueTime time.Time) bool {
	if _, exists := q.byId[job.TaskId]; exists {
		return false
	}
	qj := &queuedJob{job: job, enqueueTime: enqueueTime}
	q.jobs = append(q.jobs, qj)
	q.byId[job.TaskId] = qj

	if !q.hasMax || job.Priority > q.maxPriority {
		q.maxPriority = job.Priority
	}
	if !q.hasMax || enqueueTime.After(q.maxEnqueueTime) {
		q.maxEnqueueTime = enqueueTime
	}
	q.hasMax = true
	return true
}

// Remove removes the job with the given task id and recomputes both maxima from the remaining jobs.
func (q *GroupQueue) Remove(taskId string) bool {
	if _, exists := q.byId[taskId]; !exists {
		return false
	}
	delete(q.byId, taskId)
	for i, qj := range q.jobs {
		if qj.job.TaskId == taskId {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	q.recompute()
	return true
}

func (q *GroupQueue) recompute() {
	q.hasMax = false
	q.maxPriority = 0
	q.maxEnqueueTime = time.Time{}
	for _, qj := range q.jobs {
		if !q.hasMax || qj.job.Priority > q.maxPriority {
			q.maxPriority = qj.job.Priority
		}
		if !q.hasMax || qj.enqueueTime.After(q.maxEnqueueTime) {
			q.maxEnqueueTime = qj.enqueueTime
		}
		q.hasMax = true
	}
}

func (q *GroupQueue) Size() int {
	return len(q.jobs)
}

// MaxPriority is the highest priority among the queued jobs, absent if the queue is empty.
func (q *GroupQueue) MaxPriority() (int, bool) {
	return q.maxPriority, q.hasMax
}

// MaxEnqueueTime is the latest enqueue time among the queued jobs, absent if the queue is empty.
func (q *GroupQueue) MaxEnqueueTime() (time.Time, bool) {
	return q.maxEnqueueTime, q.hasMax
}

// Head returns the job to dispatch next: highest priority first, earliest arrival among equals.
// Dispatched jobs are skipped.
func (q *GroupQueue) Head() (*engine.JobRequest, bool) {
	var head *queuedJob
	for _, qj := range q.jobs {
		if qj.dispatched {
			continue
		}
		if head == nil ||
			qj.job.Priority > head.job.Priority ||
			(qj.job.Priority == head.job.Priority && qj.enqueueTime.Before(head.enqueueTime)) {
			head = qj
		}
	}
	if head == nil {
		return nil, false
	}
	return head.job, true
}

func (q *GroupQueue) MarkDispatched(taskId string) bool {
	qj, ok := q.byId[taskId]
	if !ok || qj.dispatched {
		return false
	}
	qj.dispatched = true
	return true
}

func (q *GroupQueue) Get(taskId string) (*engine.JobRequest, bool) {
	qj, ok := q.byId[taskId]
	if !ok {
		return nil, false
	}
	return qj.job, true
}

func (q *GroupQueue) IsDispatched(taskId string) bool {
	qj, ok := q.byId[taskId]
	return ok && qj.dispatched
}

// Pending is the number of jobs not yet handed to the executor.
func (q *GroupQueue) Pending() int {
	n := 0
	for _, qj := range q.jobs {
		if !qj.dispatched {
			n++
		}
	}
	return n
}

// Jobs returns the queued jobs in arrival order.
func (q *GroupQueue) Jobs() []*engine.JobRequest {
	jobs := make([]*engine.JobRequest, len(q.jobs))
	for i, qj := range q.jobs {
		jobs[i] = qj.job
	}
	return jobs
}
