// Package executor runs engine submissions on a fixed number of workers.
//
// The pool limits concurrency; it does not schedule. Work is taken in arrival order, and priority
// decisions are made before a job is handed over. Every accepted job produces exactly one completion
// notification, whatever happens to it.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/common/logging"
	"github.com/enginemaster/enginemaster/internal/common/util"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const (
	DefaultSlots       = 10
	DefaultCallTimeout = 2 * time.Minute
	// NotSubmittedKey marks the results of jobs that were never handed to an engine.
	NotSubmittedKey = "notSubmitted"
)

// NotSubmitted reports whether result belongs to a job dropped at shutdown before any engine saw it.
func NotSubmitted(result *engine.JobResult) bool {
	if result == nil {
		return false
	}
	_, ok := result.Data(NotSubmittedKey)
	return ok
}

// ClientResolver returns the client of an engine type.
type ClientResolver interface {
	Resolve(engineType string) (engine.Client, error)
}

type Config struct {
	// Number of workers.
	Slots int
	// Upper bound of every call made to an engine client.
	CallTimeout time.Duration
	// Registerer for the executor metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Stats is a point in time view of the executor counters.
type Stats struct {
	Queued    int
	InFlight  int
	Accepted  int64
	Succeeded int64
	Failed    int64
}

type Executor struct {
	resolver ClientResolver
	config   Config
	logger   log.FieldLogger
	clock    util.Clock
	metrics  *executorMetrics

	work        *util.Unbounded[*engine.JobRequest]
	completions *util.Unbounded[*engine.JobRequest]

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	done    chan struct{}

	inFlight  atomic.Int64
	accepted  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func New(resolver ClientResolver, config Config, logger log.FieldLogger) *Executor {
	if config.Slots <= 0 {
		config.Slots = DefaultSlots
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	return &Executor{
		resolver:    resolver,
		config:      config,
		logger:      logger,
		clock:       &util.DefaultClock{},
		metrics:     newExecutorMetrics(config.Registerer),
		work:        util.NewUnbounded[*engine.JobRequest](),
		completions: util.NewUnbounded[*engine.JobRequest](),
		done:        make(chan struct{}),
	}
}

// Start launches the workers. Work submitted before Start waits in the queue. Cancelling ctx has the
// same effect on in-flight calls as Shutdown, but intake only stops with Shutdown.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.stopped {
		e.cancel()
	}
	e.startWorkers(e.config.Slots)
	e.logger.Infof("Started executor with %d workers", e.config.Slots)
}

func (e *Executor) startWorkers(n int) {
	for i := 0; i < n; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	go func() {
		e.workers.Wait()
		e.completions.Close()
		close(e.done)
	}()
}

// Submit queues job and returns immediately. It fails if the executor has been shut down, or job is nil or
// already carries a result.
func (e *Executor) Submit(job *engine.JobRequest) error {
	if job == nil {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "job must not be nil"})
	}
	if job.Result() != nil {
		return errors.WithStack(&engineerrors.ErrInvalidArgument{Name: "job", Value: job.TaskId, Message: "job has already been completed"})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || !e.work.Push(job) {
		return errors.WithStack(engineerrors.ErrShutdown)
	}
	e.accepted.Add(1)
	e.metrics.queueDepth.Inc()
	return nil
}

// Completions delivers every accepted job once its result is set. The channel is closed after Shutdown,
// once the last notification has been delivered.
func (e *Executor) Completions() <-chan *engine.JobRequest {
	return e.completions.Out()
}

// Shutdown stops intake and cancels in-flight calls. It does not wait for them; jobs still queued are
// completed with an error result. Done is closed when every notification has been published.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.work.Close()
	if !e.started {
		// Nobody will ever run the queued jobs, so a single worker completes them.
		e.started = true
		e.ctx, e.cancel = context.WithCancel(context.Background())
		e.cancel()
		e.startWorkers(1)
	} else {
		e.cancel()
	}
	e.logger.Info("Executor is shutting down")
}

// Done is closed once the executor has shut down and published every notification.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) Stats() Stats {
	return Stats{
		Queued:    e.work.Len(),
		InFlight:  int(e.inFlight.Load()),
		Accepted:  e.accepted.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
	}
}

func (e *Executor) worker() {
	defer e.workers.Done()
	for job := range e.work.Out() {
		e.metrics.queueDepth.Dec()
		e.process(job)
	}
}

func (e *Executor) process(job *engine.JobRequest) {
	logger := e.logger.WithField("taskId", job.TaskId).WithField("engineType", job.EngineType)

	var result *engine.JobResult
	outcome := outcomeSuccess
	if e.ctx.Err() != nil {
		result = engine.NewErrorResultFromError(errors.Wrapf(engineerrors.ErrShutdown, "job %s was not submitted", job.TaskId)).
			WithData(NotSubmittedKey, "true")
		outcome = outcomeShutdown
	} else {
		e.inFlight.Add(1)
		e.metrics.inFlight.Inc()
		start := e.clock.Now()
		result, outcome = e.safeRun(logger, job)
		e.metrics.duration.WithLabelValues(job.EngineType).Observe(e.clock.Now().Sub(start).Seconds())
		e.metrics.inFlight.Dec()
		e.inFlight.Add(-1)
	}
	e.metrics.submissions.WithLabelValues(job.EngineType, outcome).Inc()

	if result.IsErr() {
		e.failed.Add(1)
		logger.Warnf("Submission failed: %s", result.Message())
	} else {
		e.succeeded.Add(1)
		job.SetEngineTaskId(result.EngineJobId())
		logger.Infof("Submitted job as %s", result.EngineJobId())
	}

	if err := job.SetResult(result); err != nil {
		// Only possible if the same request was submitted twice; the first completion has been published.
		logger.WithError(err).Error("Dropping duplicate completion")
		return
	}
	e.completions.Push(job)
}

// safeRun submits job and converts every failure, including a panic in the engine client, into an error
// result. The worker survives whatever the client does.
func (e *Executor) safeRun(logger log.FieldLogger, job *engine.JobRequest) (result *engine.JobResult, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("engine client panicked: %v", r)
			logging.WithStacktrace(logger, err).Error("Recovered from panic in submission worker")
			result, outcome = engine.NewErrorResult(fmt.Sprint(r)), outcomePanic
		}
	}()

	client, err := e.resolver.Resolve(job.EngineType)
	if err != nil {
		return engine.NewErrorResultFromError(err), outcomeError
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.config.CallTimeout)
	defer cancel()

	if job.HasArtifact() {
		result, err = client.SubmitByArtifact(ctx, job)
	} else {
		result, err = client.SubmitByScript(ctx, job)
	}
	if err != nil {
		return engine.NewErrorResultFromError(err), outcomeError
	}
	if result == nil {
		return engine.NewErrorResult(fmt.Sprintf("engine type %s returned no result", job.EngineType)), outcomeError
	}
	if result.IsErr() {
		return result, outcomeError
	}
	return result, outcomeSuccess
}
