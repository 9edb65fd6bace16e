package configuration

import (
	"time"

	commonconfig "github.com/enginemaster/enginemaster/internal/common/config"
	"github.com/enginemaster/enginemaster/internal/common/logging"
	"github.com/enginemaster/enginemaster/internal/jobcache"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

type EngineMasterConfiguration struct {
	// Identity of this node in the cluster. Defaults to the host name.
	NodeAddress string
	// Root of the plugin directories, <WorkDir>/plugin/<engineType>.
	WorkDir     string
	MetricsPort uint16
	HttpPort    uint16
	Logging     logging.Config
	// Number of terminal job ids remembered to reject duplicate submissions.
	RecentJobsCacheSize int

	Executor     ExecutorConfig
	Queue        QueueConfig
	Dispatch     DispatchConfig
	Coordination CoordinationConfig
	JobCache     jobcache.Config
	EngineTypes  []EngineTypeConfig `validate:"dive"`
}

type ExecutorConfig struct {
	Slots       int
	CallTimeout time.Duration
}

type QueueConfig struct {
	MaxGroupQueueLength int
	DefaultGroup        string
}

type DispatchConfig struct {
	Interval time.Duration
	// How often jobs refused at admission are retried from the job cache.
	IngestInterval  time.Duration
	IngestBatchSize int
	// Cores an engine must report free before another job is handed to it. Ignored when the engine
	// reports no resources.
	MinFreeCores int
}

type CoordinationConfig struct {
	// Left without addresses, priorities are only shared within this process.
	Redis           commonconfig.RedisConfig
	PublishInterval time.Duration
	// Arbitration decisions may be up to this old.
	RefreshInterval  time.Duration
	HeartbeatTimeout time.Duration
	FailoverInterval time.Duration
}

type EngineTypeConfig struct {
	TypeName   string `validate:"required"`
	Properties map[string]string
}

// EngineProperties returns the properties of every configured engine type keyed by type name.
func (c *EngineMasterConfiguration) EngineProperties() map[string]engine.Properties {
	props := make(map[string]engine.Properties, len(c.EngineTypes))
	for _, et := range c.EngineTypes {
		props[et.TypeName] = et.Properties
	}
	return props
}
