package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function    func(ctx context.Context)
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions periodically until stopped.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	wg            *sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return NewBackgroundTaskManagerWithRegisterer(metricsPrefix, prometheus.DefaultRegisterer)
}

func NewBackgroundTaskManagerWithRegisterer(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		wg:            &sync.WaitGroup{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register starts backgroundTask immediately and then once every interval.
// The context passed to the function is cancelled when the manager is stopped.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for running iterations to return.
// It reports whether the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if err := m.registerer.Register(taskDurationHistogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			taskDurationHistogram = are.ExistingCollector.(prometheus.Histogram)
		} else {
			log.Warnf("Could not register latency metric for background task %s: %v", task.metricName, err)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOnce(task, taskDurationHistogram)
		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
			m.runOnce(task, taskDurationHistogram)
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(task *task, histogram prometheus.Histogram) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", task.metricName).Error(fmt.Sprintf("Background task panicked: %v", r))
		}
		histogram.Observe(time.Since(start).Seconds())
	}()
	task.function(m.ctx)
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	m.cancel()
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
	m.tasks = nil
}
