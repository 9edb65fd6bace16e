package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	DefaultMaxGroupQueueLength = 5
	btreeDegree                = 8
)

// groupKey orders groups by their latest enqueue time; the name breaks ties.
type groupKey struct {
	maxEnqueueTime time.Time
	name           string
}

func lessGroupKey(a, b groupKey) bool {
	if !a.maxEnqueueTime.Equal(b.maxEnqueueTime) {
		return a.maxEnqueueTime.Before(b.maxEnqueueTime)
	}
	return strings.Compare(a.name, b.name) < 0
}

// EngineTypeQueue holds every group queue of one engine type, an index of the groups ordered by latest
// enqueue time, and each group's max priority. A single lock guards all three, so a group is present in one
// of them iff it is present in all of them, and readers never observe a partial update.
type EngineTypeQueue struct {
	engineType     string
	maxGroupLength int
	defaultGroup   string
	logger         logrus.FieldLogger

	mu         sync.RWMutex
	groups     map[string]*GroupQueue
	order      *btree.BTreeG[groupKey]
	keys       map[string]groupKey
	priorities map[string]int
}

func NewEngineTypeQueue(engineType string, maxGroupLength int, defaultGroup string, logger logrus.FieldLogger) *EngineTypeQueue {
	if maxGroupLength <= 0 {
		maxGroupLength = DefaultMaxGroupQueueLength
	}
	if defaultGroup == "" {
		defaultGroup = engine.DefaultGroupName
	}
	return &EngineTypeQueue{
		engineType:     engineType,
		maxGroupLength: maxGroupLength,
		defaultGroup:   defaultGroup,
		logger:         logger.WithField("engineType", engineType),
		groups:         map[string]*GroupQueue{},
		order:          btree.NewG[groupKey](btreeDegree, lessGroupKey),
		keys:           map[string]groupKey{},
		priorities:     map[string]int{},
	}
}

func (q *EngineTypeQueue) EngineType() string {
	return q.engineType
}

// GroupOf returns the group the job is queued under.
func (q *EngineTypeQueue) GroupOf(job *engine.JobRequest) string {
	return job.Group(q.defaultGroup)
}

// groupName maps an unset group to the default group.
func (q *EngineTypeQueue) groupName(group string) string {
	if group == "" {
		return q.defaultGroup
	}
	return group
}

// Add queues job under its group, creating the group on first use. It returns false if the job is
// already queued.
func (q *EngineTypeQueue) Add(job *engine.JobRequest, enqueueTime time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.add(job, enqueueTime)
}

// TryAdd queues job only if its group has room, checking and adding atomically.
func (q *EngineTypeQueue) TryAdd(job *engine.JobRequest, enqueueTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	group := q.GroupOf(job)
	if !q.canAdd(group) {
		return errors.WithStack(&engineerrors.ErrQueueFull{EngineType: q.engineType, Group: group, Limit: q.maxGroupLength})
	}
	if !q.add(job, enqueueTime) {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "taskId", Value: job.TaskId, Message: "job is already queued"})
	}
	return nil
}

func (q *EngineTypeQueue) add(job *engine.JobRequest, enqueueTime time.Time) bool {
	name := q.GroupOf(job)
	gq, ok := q.groups[name]
	if !ok {
		gq = NewGroupQueue(name)
		q.groups[name] = gq
	}
	added := gq.Add(job, enqueueTime)
	q.refresh(name, gq)
	return added
}

// Remove removes the job from the named group. It returns false if the group or the job is unknown.
func (q *EngineTypeQueue) Remove(group, taskId string) bool {
	group = q.groupName(group)
	q.mu.Lock()
	defer q.mu.Unlock()
	gq, ok := q.groups[group]
	if !ok {
		return false
	}
	removed := gq.Remove(taskId)
	q.refresh(group, gq)
	return removed
}

// RemoveGroup drops a whole group and returns the jobs it held.
func (q *EngineTypeQueue) RemoveGroup(group string) []*engine.JobRequest {
	group = q.groupName(group)
	q.mu.Lock()
	defer q.mu.Unlock()
	gq, ok := q.groups[group]
	if !ok {
		return nil
	}
	jobs := gq.Jobs()
	q.drop(group)
	return jobs
}

// refresh re-keys the group in the ordering index and updates its cached priority, or removes the group
// from all structures once it is empty. Must be called with the write lock held.
func (q *EngineTypeQueue) refresh(name string, gq *GroupQueue) {
	if gq.Size() == 0 {
		q.drop(name)
		return
	}
	if old, ok := q.keys[name]; ok {
		q.order.Delete(old)
	}
	maxEnqueueTime, _ := gq.MaxEnqueueTime()
	key := groupKey{maxEnqueueTime: maxEnqueueTime, name: name}
	q.order.ReplaceOrInsert(key)
	q.keys[name] = key
	q.priorities[name], _ = gq.MaxPriority()
}

func (q *EngineTypeQueue) drop(name string) {
	if old, ok := q.keys[name]; ok {
		q.order.Delete(old)
	}
	delete(q.keys, name)
	delete(q.groups, name)
	delete(q.priorities, name)
}

// CheckCanAddToWaitQueue is false once the group holds the maximum number of jobs. Unknown groups have room.
// An empty group names the default group, as for jobs without a group.
func (q *EngineTypeQueue) CheckCanAddToWaitQueue(group string) bool {
	group = q.groupName(group)
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.canAdd(group)
}

func (q *EngineTypeQueue) canAdd(group string) bool {
	gq, ok := q.groups[group]
	if !ok {
		return true
	}
	return gq.Size() < q.maxGroupLength
}

// CheckLocalPriorityIsMax reports whether no peer in snapshot observes a strictly greater priority for
// group than this node does. The entry of localAddress is ignored, as are peers without the group.
// The answer is only as fresh as the snapshot.
func (q *EngineTypeQueue) CheckLocalPriorityIsMax(group, localAddress string, snapshot PrioritySnapshot) bool {
	group = q.groupName(group)
	q.mu.RLock()
	local, ok := q.priorities[group]
	q.mu.RUnlock()
	if !ok {
		q.logger.WithField("group", group).Error("No local priority cached for group, treating it as max")
		return true
	}
	for address, groups := range snapshot {
		if address == localAddress {
			continue
		}
		if peer, ok := groups[group]; ok && peer > local {
			return false
		}
	}
	return true
}

// GroupPriorities returns a copy of the cached max priority of every group.
func (q *EngineTypeQueue) GroupPriorities() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return maps.Clone(q.priorities)
}

func (q *EngineTypeQueue) GroupSizes() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	sizes := make(map[string]int, len(q.groups))
	for name, gq := range q.groups {
		sizes[name] = gq.Size()
	}
	return sizes
}

// OrderedGroups returns the group names by ascending latest enqueue time.
func (q *EngineTypeQueue) OrderedGroups() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, q.order.Len())
	q.order.Ascend(func(key groupKey) bool {
		names = append(names, key.name)
		return true
	})
	return names
}

// PeekDispatchable returns the head of the group without marking it.
func (q *EngineTypeQueue) PeekDispatchable(group string) (*engine.JobRequest, bool) {
	group = q.groupName(group)
	q.mu.RLock()
	defer q.mu.RUnlock()
	gq, ok := q.groups[group]
	if !ok {
		return nil, false
	}
	return gq.Head()
}

// NextDispatchable returns the head of the group and marks it dispatched, so concurrent callers never get
// the same job.
func (q *EngineTypeQueue) NextDispatchable(group string) (*engine.JobRequest, bool) {
	group = q.groupName(group)
	q.mu.Lock()
	defer q.mu.Unlock()
	gq, ok := q.groups[group]
	if !ok {
		return nil, false
	}
	job, ok := gq.Head()
	if !ok {
		return nil, false
	}
	gq.MarkDispatched(job.TaskId)
	return job, true
}

// Find returns the group holding taskId.
func (q *EngineTypeQueue) Find(taskId string) (string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for name, gq := range q.groups {
		if _, ok := gq.Get(taskId); ok {
			return name, true
		}
	}
	return "", false
}

func (q *EngineTypeQueue) Contains(taskId string) bool {
	_, ok := q.Find(taskId)
	return ok
}

// IsDispatched reports whether taskId has been handed to the executor.
func (q *EngineTypeQueue) IsDispatched(taskId string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, gq := range q.groups {
		if gq.IsDispatched(taskId) {
			return true
		}
	}
	return false
}

// Len is the number of queued jobs over all groups.
func (q *EngineTypeQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, gq := range q.groups {
		n += gq.Size()
	}
	return n
}

// GroupDispatched returns, per group, how many queued jobs have been handed to the executor.
func (q *EngineTypeQueue) GroupDispatched() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	dispatched := make(map[string]int, len(q.groups))
	for name, gq := range q.groups {
		dispatched[name] = gq.Size() - gq.Pending()
	}
	return dispatched
}
