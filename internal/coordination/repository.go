// Package coordination shares each node's view of its queues with the other nodes of the cluster.
//
// Every node periodically publishes, per engine type, the max priority of each of its groups, together
// with a heartbeat. Nodes read the published priorities back into a Cluster Priority Snapshot that the
// engine type queues use for arbitration. The store is not linearizable: a snapshot is at most one
// refresh interval plus one publish interval old.
package coordination

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/enginemaster/enginemaster/internal/queue"
)

const (
	queuePriorityKeyPrefix = "EngineMaster:QueuePriority:"
	engineTypesKey         = "EngineMaster:EngineTypes"
	heartbeatKey           = "EngineMaster:Heartbeat"
)

type PriorityRepository interface {
	// PublishPriorities replaces the group priorities node reports for engineType.
	PublishPriorities(engineType, node string, priorities map[string]int) error
	GetPriorities(engineType string) (queue.PrioritySnapshot, error)
	// GetAllPriorities returns the snapshot of every engine type any node has published.
	GetAllPriorities() (map[string]queue.PrioritySnapshot, error)
	Heartbeat(node string, t time.Time) error
	GetHeartbeats() (map[string]time.Time, error)
	// RemoveNode deletes every entry published by node.
	RemoveNode(node string) error
	Check() error
}

type RedisPriorityRepository struct {
	db redis.UniversalClient
}

func NewRedisPriorityRepository(db redis.UniversalClient) *RedisPriorityRepository {
	return &RedisPriorityRepository{db: db}
}

func (r *RedisPriorityRepository) PublishPriorities(engineType, node string, priorities map[string]int) error {
	if priorities == nil {
		priorities = map[string]int{}
	}
	data, err := json.Marshal(priorities)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.SAdd(engineTypesKey, engineType)
		pipe.HSet(queuePriorityKeyPrefix+engineType, node, data)
		return nil
	})
	return errors.Wrapf(err, "failed to publish priorities of %s for engine type %s", node, engineType)
}

func (r *RedisPriorityRepository) GetPriorities(engineType string) (queue.PrioritySnapshot, error) {
	result, err := r.db.HGetAll(queuePriorityKeyPrefix + engineType).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read priorities for engine type %s", engineType)
	}
	snapshot := make(queue.PrioritySnapshot, len(result))
	for node, value := range result {
		priorities := map[string]int{}
		if err := json.Unmarshal([]byte(value), &priorities); err != nil {
			return nil, errors.Wrapf(err, "malformed priorities of %s for engine type %s", node, engineType)
		}
		snapshot[node] = priorities
	}
	return snapshot, nil
}

func (r *RedisPriorityRepository) GetAllPriorities() (map[string]queue.PrioritySnapshot, error) {
	engineTypes, err := r.db.SMembers(engineTypesKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read engine types")
	}
	all := make(map[string]queue.PrioritySnapshot, len(engineTypes))
	for _, engineType := range engineTypes {
		snapshot, err := r.GetPriorities(engineType)
		if err != nil {
			return nil, err
		}
		all[engineType] = snapshot
	}
	return all, nil
}

func (r *RedisPriorityRepository) Heartbeat(node string, t time.Time) error {
	_, err := r.db.HSet(heartbeatKey, node, t.UnixMilli()).Result()
	return errors.Wrapf(err, "failed to record heartbeat of %s", node)
}

func (r *RedisPriorityRepository) GetHeartbeats() (map[string]time.Time, error) {
	result, err := r.db.HGetAll(heartbeatKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read heartbeats")
	}
	heartbeats := make(map[string]time.Time, len(result))
	for node, value := range result {
		millis, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed heartbeat of %s", node)
		}
		heartbeats[node] = time.UnixMilli(millis)
	}
	return heartbeats, nil
}

func (r *RedisPriorityRepository) RemoveNode(node string) error {
	engineTypes, err := r.db.SMembers(engineTypesKey).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read engine types")
	}
	_, err = r.db.TxPipelined(func(pipe redis.Pipeliner) error {
		for _, engineType := range engineTypes {
			pipe.HDel(queuePriorityKeyPrefix+engineType, node)
		}
		pipe.HDel(heartbeatKey, node)
		return nil
	})
	return errors.Wrapf(err, "failed to remove node %s", node)
}

func (r *RedisPriorityRepository) Check() error {
	return errors.Wrap(r.db.Ping().Err(), "coordination store is unreachable")
}
