package metrics

import "github.com/prometheus/client_golang/prometheus"

const MetricPrefix = "enginemaster_"

var QueueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of jobs in a group queue",
	[]string{"engineType", "group"},
	nil,
)

var QueuePriorityDesc = prometheus.NewDesc(
	MetricPrefix+"queue_priority",
	"Max priority of the jobs in a group queue",
	[]string{"engineType", "group"},
	nil,
)

var QueueDispatchedDesc = prometheus.NewDesc(
	MetricPrefix+"queue_dispatched",
	"Number of jobs of a group queue handed to the executor and awaiting completion",
	[]string{"engineType", "group"},
	nil,
)

var ClusterNodesDesc = prometheus.NewDesc(
	MetricPrefix+"cluster_nodes",
	"Number of nodes with a heartbeat in the coordination store",
	[]string{"state"},
	nil,
)

var JobCacheStageDesc = prometheus.NewDesc(
	MetricPrefix+"job_cache_jobs",
	"Number of cached jobs owned by this node per stage",
	[]string{"stage"},
	nil,
)

// AllDescs lists every descriptor exported by the queue collector.
var AllDescs = []*prometheus.Desc{
	QueueSizeDesc,
	QueuePriorityDesc,
	QueueDispatchedDesc,
	ClusterNodesDesc,
	JobCacheStageDesc,
}

// NewInvalidMetric reports a collection failure for desc.
func NewInvalidMetric(desc *prometheus.Desc, err error) prometheus.Metric {
	return prometheus.NewInvalidMetric(desc, err)
}
