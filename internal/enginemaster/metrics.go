package enginemaster

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/metrics"
	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/internal/coordination"
	"github.com/enginemaster/enginemaster/internal/jobcache"
	"github.com/enginemaster/enginemaster/internal/queue"
)

const collectTimeout = 5 * time.Second

// QueueInfoCollector exports the state of the queues of this node, the nodes seen in the last cluster
// snapshot and the job cache stages owned by this node.
type QueueInfoCollector struct {
	node             string
	queues           *queue.Manager
	cache            jobcache.JobCache
	snapshots        *coordination.SnapshotCache
	heartbeatTimeout time.Duration
	clock            util.Clock
}

func NewQueueInfoCollector(
	node string,
	queues *queue.Manager,
	cache jobcache.JobCache,
	snapshots *coordination.SnapshotCache,
	heartbeatTimeout time.Duration,
	clock util.Clock,
) *QueueInfoCollector {
	return &QueueInfoCollector{
		node:             node,
		queues:           queues,
		cache:            cache,
		snapshots:        snapshots,
		heartbeatTimeout: heartbeatTimeout,
		clock:            clock,
	}
}

func (c *QueueInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	for _, d := range metrics.AllDescs {
		desc <- d
	}
}

func (c *QueueInfoCollector) Collect(ch chan<- prometheus.Metric) {
	for _, engineType := range c.queues.EngineTypes() {
		q := c.queues.Get(engineType)
		priorities := q.GroupPriorities()
		dispatched := q.GroupDispatched()
		for group, size := range q.GroupSizes() {
			ch <- prometheus.MustNewConstMetric(metrics.QueueSizeDesc, prometheus.GaugeValue, float64(size), engineType, group)
			ch <- prometheus.MustNewConstMetric(metrics.QueueDispatchedDesc, prometheus.GaugeValue, float64(dispatched[group]), engineType, group)
			if priority, ok := priorities[group]; ok {
				ch <- prometheus.MustNewConstMetric(metrics.QueuePriorityDesc, prometheus.GaugeValue, float64(priority), engineType, group)
			}
		}
	}

	if snapshot := c.snapshots.Latest(); snapshot != nil {
		live, stale := 0, 0
		now := c.clock.Now()
		for _, beat := range snapshot.Heartbeats {
			if now.Sub(beat) > c.heartbeatTimeout {
				stale++
			} else {
				live++
			}
		}
		ch <- prometheus.MustNewConstMetric(metrics.ClusterNodesDesc, prometheus.GaugeValue, float64(live), "live")
		ch <- prometheus.MustNewConstMetric(metrics.ClusterNodesDesc, prometheus.GaugeValue, float64(stale), "stale")
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	for _, stage := range jobcache.AllStages {
		count, err := c.cache.CountByStage(ctx, "", []jobcache.Stage{stage}, c.node)
		if err != nil {
			log.Errorf("Error while getting job cache metrics %s", err)
			ch <- metrics.NewInvalidMetric(metrics.JobCacheStageDesc, err)
			return
		}
		ch <- prometheus.MustNewConstMetric(metrics.JobCacheStageDesc, prometheus.GaugeValue, float64(count), stage.String())
	}
}
