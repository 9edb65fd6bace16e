package enginemaster

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/enginemaster/enginemaster/internal/common"
	commonconfig "github.com/enginemaster/enginemaster/internal/common/config"
	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/health"
	"github.com/enginemaster/enginemaster/internal/common/logging"
	"github.com/enginemaster/enginemaster/internal/common/metrics"
	"github.com/enginemaster/enginemaster/internal/common/task"
	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/internal/coordination"
	"github.com/enginemaster/enginemaster/internal/enginemaster/configuration"
	"github.com/enginemaster/enginemaster/internal/engines"
	"github.com/enginemaster/enginemaster/internal/executor"
	"github.com/enginemaster/enginemaster/internal/jobcache"
	"github.com/enginemaster/enginemaster/internal/plugin"
	"github.com/enginemaster/enginemaster/internal/queue"
)

const shutdownTimeout = 10 * time.Second

// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.EngineMasterConfiguration) error {
	logger := log.WithField("EngineMaster", "CheckConfig")

	if config.NodeAddress == "" {
		address, err := os.Hostname()
		if err != nil || address == "" {
			address = util.NewInstanceId()
		}
		logger.WithFields(log.Fields{
			"default":    address,
			"configured": config.NodeAddress,
		}).Warn("config.NodeAddress not set, using default instead")
		config.NodeAddress = address
	}
	if config.WorkDir == "" {
		logger.WithFields(log.Fields{
			"default":    ".",
			"configured": config.WorkDir,
		}).Warn("config.WorkDir not set, using default instead")
		config.WorkDir = "."
	}

	positive(logger, "RecentJobsCacheSize", &config.RecentJobsCacheSize, DefaultRecentJobsCacheSize)
	positive(logger, "Executor.Slots", &config.Executor.Slots, executor.DefaultSlots)
	positive(logger, "Executor.CallTimeout", &config.Executor.CallTimeout, executor.DefaultCallTimeout)
	positive(logger, "Queue.MaxGroupQueueLength", &config.Queue.MaxGroupQueueLength, queue.DefaultMaxGroupQueueLength)
	positive(logger, "Dispatch.Interval", &config.Dispatch.Interval, time.Second)
	positive(logger, "Dispatch.IngestInterval", &config.Dispatch.IngestInterval, 5*time.Second)
	positive(logger, "Dispatch.IngestBatchSize", &config.Dispatch.IngestBatchSize, 50)
	positive(logger, "Dispatch.MinFreeCores", &config.Dispatch.MinFreeCores, 1)
	positive(logger, "Coordination.PublishInterval", &config.Coordination.PublishInterval, 2*time.Second)
	positive(logger, "Coordination.RefreshInterval", &config.Coordination.RefreshInterval, 2*time.Second)
	positive(logger, "Coordination.HeartbeatTimeout", &config.Coordination.HeartbeatTimeout, 30*time.Second)
	positive(logger, "Coordination.FailoverInterval", &config.Coordination.FailoverInterval, 10*time.Second)

	if config.Queue.DefaultGroup == "" {
		logger.WithFields(log.Fields{
			"default":    "default",
			"configured": config.Queue.DefaultGroup,
		}).Warn("config.Queue.DefaultGroup not set, using default instead")
		config.Queue.DefaultGroup = "default"
	}
	if config.Coordination.HeartbeatTimeout <= config.Coordination.PublishInterval {
		logger.WithFields(log.Fields{
			"heartbeatTimeout": config.Coordination.HeartbeatTimeout,
			"publishInterval":  config.Coordination.PublishInterval,
		}).Warn("config.Coordination.HeartbeatTimeout is not above the publish interval; live nodes may be taken for dead")
	}

	if len(config.EngineTypes) == 0 {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "engineTypes", Value: "", Message: "at least one engine type must be configured"})
	}
	seen := map[string]bool{}
	for _, et := range config.EngineTypes {
		if seen[et.TypeName] {
			return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "engineTypes", Value: et.TypeName, Message: "engine type is configured twice"})
		}
		seen[et.TypeName] = true
	}

	return commonconfig.Validate(config)
}

func positive[T int | time.Duration](logger log.FieldLogger, name string, value *T, def T) {
	if *value > 0 {
		return
	}
	logger.WithFields(log.Fields{
		"default":    def,
		"configured": *value,
	}).Warnf("config.%s invalid, using default instead", name)
	*value = def
}

type App struct {
	Config *configuration.EngineMasterConfiguration
	// Backends available to the configured engine types.
	Plugins *plugin.Registry
	// Registry for the node metrics. The prometheus default registry when nil.
	Metrics *prometheus.Registry
	Clock   util.Clock

	started chan struct{}
	master  *Master
}

func New(config *configuration.EngineMasterConfiguration) *App {
	return &App{
		Config:  config,
		Plugins: engines.NewRegistry(),
		Clock:   &util.DefaultClock{},
		started: make(chan struct{}),
	}
}

// Started is closed once the node accepts submissions.
func (a *App) Started() <-chan struct{} {
	return a.started
}

// Master is nil until Started is closed.
func (a *App) Master() *Master {
	select {
	case <-a.started:
		return a.master
	default:
		return nil
	}
}

// Run starts the node and blocks until ctx is cancelled. On shutdown the background tasks are stopped,
// jobs still waiting in the executor are left cached for the next start, and the node withdraws from the
// coordination store.
func (a *App) Run(ctx context.Context) error {
	config := a.Config
	if err := CheckConfig(config); err != nil {
		return err
	}
	logger := log.WithField("node", config.NodeAddress)

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var metricsHandler http.Handler = promhttp.Handler()
	if a.Metrics != nil {
		registerer = a.Metrics
		metricsHandler = promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{})
	}

	resolver := plugin.NewResolver(config.WorkDir, a.Plugins, config.EngineProperties(), log.StandardLogger())
	if err := resolver.InitAll(); err != nil {
		// Healthy engine types are still served.
		logging.WithStacktrace(logger, err).Error("Not every engine type could be initialised")
	}

	cache, err := jobcache.Open(ctx, config.JobCache, a.Clock)
	if err != nil {
		return err
	}
	defer util.CloseResource("job cache", cache)

	var repo coordination.PriorityRepository
	if config.Coordination.Redis.Enabled() {
		db := redis.NewUniversalClient(config.Coordination.Redis.AsUniversalOptions())
		defer util.CloseResource("redis client", db)
		repo = coordination.NewRedisPriorityRepository(db)
	} else {
		logger.Warn("No redis configured, queue priorities are not shared with other nodes")
		repo = coordination.NewInMemoryPriorityRepository()
	}

	exec := executor.New(resolver, executor.Config{
		Slots:       config.Executor.Slots,
		CallTimeout: config.Executor.CallTimeout,
		Registerer:  registerer,
	}, logger)
	queues := queue.NewManager(queue.Config{
		MaxGroupQueueLength: config.Queue.MaxGroupQueueLength,
		DefaultGroup:        config.Queue.DefaultGroup,
	}, logger)
	snapshots := coordination.NewSnapshotCache(repo, a.Clock, logger)
	publisher := coordination.NewPublisher(repo, queues, config.NodeAddress, a.Clock, logger)
	master, err := NewMaster(config, resolver, exec, queues, cache, repo, snapshots, a.Clock, logger)
	if err != nil {
		return err
	}

	// Announce this node before queueing its jobs again, so no peer takes them over meanwhile.
	if err := publisher.Publish(ctx); err != nil {
		logger.WithError(err).Warn("Failed to publish initial heartbeat")
	}
	if _, err := master.Recover(ctx); err != nil {
		return err
	}
	if err := snapshots.Refresh(); err != nil {
		logger.WithError(err).Warn("Failed to load initial cluster priority snapshot")
	}

	if err := registerer.Register(NewQueueInfoCollector(config.NodeAddress, queues, cache, snapshots, config.Coordination.HeartbeatTimeout, a.Clock)); err != nil {
		return errors.WithStack(err)
	}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(
		startupCompleteCheck,
		health.CheckerFunc(func() error { return cache.Check(context.Background()) }),
		repo,
	)
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()
	shutdownMetricServer := common.ServeMetricsFor(config.MetricsPort, metricsHandler)
	defer shutdownMetricServer()

	exec.Start(context.Background())

	tasks := task.NewBackgroundTaskManagerWithRegisterer(metrics.MetricPrefix, registerer)
	tasks.Register(publisher.Run, config.Coordination.PublishInterval, "publish_priorities")
	tasks.Register(snapshots.Run, config.Coordination.RefreshInterval, "refresh_priority_snapshot")
	tasks.Register(master.Dispatch, config.Dispatch.Interval, "dispatch")
	tasks.Register(master.Ingest, config.Dispatch.IngestInterval, "ingest")
	tasks.Register(master.Failover, config.Coordination.FailoverInterval, "failover")

	g, gctx := errgroup.WithContext(ctx)
	// Runs until the executor has published its last notification.
	g.Go(func() error {
		return master.ListenCompletions(context.Background())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		if tasks.StopAll(shutdownTimeout) {
			logger.Warn("Background tasks did not stop in time")
		}
		exec.Shutdown()
		<-exec.Done()

		withdrawCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := publisher.Withdraw(withdrawCtx); err != nil {
			logger.WithError(err).Warn("Failed to withdraw from the coordination store")
		}
		return nil
	})

	a.master = master
	startupCompleteCheck.MarkComplete()
	close(a.started)
	logger.Infof("Node started serving engine types %v", resolver.EngineTypes())

	return g.Wait()
}
