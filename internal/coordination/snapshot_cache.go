package coordination

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/internal/queue"
)

// ClusterSnapshot is an immutable copy of the coordination store. It is replaced as a whole on refresh.
type ClusterSnapshot struct {
	Priorities  map[string]queue.PrioritySnapshot
	Heartbeats  map[string]time.Time
	RefreshedAt time.Time
}

// SnapshotCache holds the latest ClusterSnapshot. Reads never touch the store, so arbitration may use data
// up to one refresh interval old; that interval is the staleness bound of every arbitration decision.
type SnapshotCache struct {
	repo     PriorityRepository
	clock    util.Clock
	logger   log.FieldLogger
	snapshot atomic.Pointer[ClusterSnapshot]
}

func NewSnapshotCache(repo PriorityRepository, clock util.Clock, logger log.FieldLogger) *SnapshotCache {
	return &SnapshotCache{repo: repo, clock: clock, logger: logger}
}

// Refresh reads the store and swaps in a new snapshot. On failure the previous snapshot is kept.
func (c *SnapshotCache) Refresh() error {
	priorities, err := c.repo.GetAllPriorities()
	if err != nil {
		return err
	}
	heartbeats, err := c.repo.GetHeartbeats()
	if err != nil {
		return err
	}
	c.snapshot.Store(&ClusterSnapshot{
		Priorities:  priorities,
		Heartbeats:  heartbeats,
		RefreshedAt: c.clock.Now(),
	})
	return nil
}

// Run is Refresh for use as a background task.
func (c *SnapshotCache) Run(_ context.Context) {
	if err := c.Refresh(); err != nil {
		c.logger.WithError(err).Warn("Failed to refresh cluster priority snapshot, keeping the previous one")
	}
}

// Get returns the priority snapshot of engineType and its age. Before the first successful refresh it
// returns an empty snapshot and false; arbitration against an empty snapshot always passes.
func (c *SnapshotCache) Get(engineType string) (queue.PrioritySnapshot, time.Duration, bool) {
	s := c.snapshot.Load()
	if s == nil {
		return queue.PrioritySnapshot{}, 0, false
	}
	snapshot, ok := s.Priorities[engineType]
	if !ok {
		snapshot = queue.PrioritySnapshot{}
	}
	return snapshot, c.clock.Now().Sub(s.RefreshedAt), true
}

// Latest returns the whole snapshot, or nil before the first successful refresh.
func (c *SnapshotCache) Latest() *ClusterSnapshot {
	return c.snapshot.Load()
}
