package coordination

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/enginemaster/enginemaster/internal/queue"
)

// InMemoryPriorityRepository is a PriorityRepository for single node deployments and tests.
type InMemoryPriorityRepository struct {
	mu         sync.RWMutex
	priorities map[string]queue.PrioritySnapshot
	heartbeats map[string]time.Time
}

func NewInMemoryPriorityRepository() *InMemoryPriorityRepository {
	return &InMemoryPriorityRepository{
		priorities: map[string]queue.PrioritySnapshot{},
		heartbeats: map[string]time.Time{},
	}
}

func (r *InMemoryPriorityRepository) PublishPriorities(engineType, node string, priorities map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot, ok := r.priorities[engineType]
	if !ok {
		snapshot = queue.PrioritySnapshot{}
		r.priorities[engineType] = snapshot
	}
	snapshot[node] = maps.Clone(priorities)
	if snapshot[node] == nil {
		snapshot[node] = map[string]int{}
	}
	return nil
}

func (r *InMemoryPriorityRepository) GetPriorities(engineType string) (queue.PrioritySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := r.priorities[engineType].Clone()
	if snapshot == nil {
		snapshot = queue.PrioritySnapshot{}
	}
	return snapshot, nil
}

func (r *InMemoryPriorityRepository) GetAllPriorities() (map[string]queue.PrioritySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make(map[string]queue.PrioritySnapshot, len(r.priorities))
	for engineType, snapshot := range r.priorities {
		all[engineType] = snapshot.Clone()
	}
	return all, nil
}

func (r *InMemoryPriorityRepository) Heartbeat(node string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats[node] = t
	return nil
}

func (r *InMemoryPriorityRepository) GetHeartbeats() (map[string]time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.heartbeats), nil
}

func (r *InMemoryPriorityRepository) RemoveNode(node string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snapshot := range r.priorities {
		delete(snapshot, node)
	}
	delete(r.heartbeats, node)
	return nil
}

func (r *InMemoryPriorityRepository) Check() error {
	return nil
}
