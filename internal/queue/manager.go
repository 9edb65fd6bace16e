package queue

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Config struct {
	// Number of jobs a group may hold before admission is refused.
	MaxGroupQueueLength int
	// Group of jobs that do not name one.
	DefaultGroup string
}

// Manager owns one EngineTypeQueue per engine type, created on first use.
type Manager struct {
	config Config
	logger logrus.FieldLogger

	mu     sync.RWMutex
	queues map[string]*EngineTypeQueue
}

func NewManager(config Config, logger logrus.FieldLogger) *Manager {
	return &Manager{config: config, logger: logger, queues: map[string]*EngineTypeQueue{}}
}

func (m *Manager) Get(engineType string) *EngineTypeQueue {
	m.mu.RLock()
	q, ok := m.queues[engineType]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[engineType]; ok {
		return q
	}
	q = NewEngineTypeQueue(engineType, m.config.MaxGroupQueueLength, m.config.DefaultGroup, m.logger)
	m.queues[engineType] = q
	return q
}

// EngineTypes returns the engine types that have a queue, sorted.
func (m *Manager) EngineTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := maps.Keys(m.queues)
	slices.Sort(types)
	return types
}

// Priorities returns the group priorities of every engine type queue.
func (m *Manager) Priorities() map[string]map[string]int {
	m.mu.RLock()
	queues := maps.Values(m.queues)
	m.mu.RUnlock()

	priorities := make(map[string]map[string]int, len(queues))
	for _, q := range queues {
		priorities[q.EngineType()] = q.GroupPriorities()
	}
	return priorities
}
