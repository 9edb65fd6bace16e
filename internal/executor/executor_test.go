package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/internal/engines/fake"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

type staticResolver map[string]engine.Client

func (r staticResolver) Resolve(engineType string) (engine.Client, error) {
	client, ok := r[engineType]
	if !ok {
		return nil, errors.WithStack(&engineerrors.ErrNotFound{Type: "engine type", Value: engineType})
	}
	return client, nil
}

func scriptJob(id, engineType string) *engine.JobRequest {
	return &engine.JobRequest{
		TaskId:      id,
		EngineType:  engineType,
		ComputeType: engine.ComputeTypeBatch,
		JobName:     "app-" + id,
		Operators:   []engine.Operator{&engine.ScriptOperator{Statement: "SELECT 1"}},
	}
}

func artifactJob(id, engineType string) *engine.JobRequest {
	return &engine.JobRequest{
		TaskId:     id,
		EngineType: engineType,
		JobName:    "app-" + id,
		Operators:  []engine.Operator{&engine.AddArtifactOperator{Path: "hdfs:///a.jar", MainClass: "Main"}},
	}
}

func withExecutor(t *testing.T, resolver ClientResolver, config Config, action func(e *Executor)) {
	logger, _ := test.NewNullLogger()
	e := New(resolver, config, logger)
	e.Start(context.Background())
	defer func() {
		e.Shutdown()
		<-e.Done()
	}()
	action(e)
}

func collect(t *testing.T, e *Executor, n int) []*engine.JobRequest {
	completed := make([]*engine.JobRequest, 0, n)
	timeout := time.After(10 * time.Second)
	for len(completed) < n {
		select {
		case job := <-e.Completions():
			completed = append(completed, job)
		case <-timeout:
			require.FailNow(t, fmt.Sprintf("timed out with %d of %d completions", len(completed), n))
		}
	}
	return completed
}

func TestExecutor_ConcurrentSubmissionsCompleteExactlyOnce(t *testing.T) {
	client := &fake.Client{
		SubmitFunc: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
			if job.Priority%3 == 0 {
				return engine.NewErrorResult("rejected"), nil
			}
			return engine.NewSuccessResult("driver-" + job.TaskId), nil
		},
	}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 4}, func(e *Executor) {
		const n = 200
		wg := sync.WaitGroup{}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job := scriptJob(fmt.Sprintf("task-%d", i), "spark")
				job.Priority = i
				assert.NoError(t, e.Submit(job))
			}(i)
		}
		wg.Wait()

		completed := collect(t, e, n)
		seen := map[string]bool{}
		for _, job := range completed {
			assert.False(t, seen[job.TaskId], "duplicate completion for %s", job.TaskId)
			seen[job.TaskId] = true
			require.NotNil(t, job.Result())
			if job.Priority%3 == 0 {
				assert.True(t, job.Result().IsErr())
				assert.Empty(t, job.EngineTaskId())
			} else {
				assert.False(t, job.Result().IsErr())
				assert.Equal(t, "driver-"+job.TaskId, job.EngineTaskId())
			}
		}
		assert.Len(t, seen, n)
		assert.Equal(t, n, client.ScriptSubmits())

		select {
		case job := <-e.Completions():
			assert.Fail(t, "unexpected extra completion", job.TaskId)
		case <-time.After(50 * time.Millisecond):
		}

		stats := e.Stats()
		assert.Equal(t, int64(n), stats.Accepted)
		assert.Equal(t, int64(n), stats.Succeeded+stats.Failed)
	})
}

func TestExecutor_RoutesByOperatorContent(t *testing.T) {
	client := &fake.Client{}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 1}, func(e *Executor) {
		require.NoError(t, e.Submit(artifactJob("a", "spark")))
		require.NoError(t, e.Submit(scriptJob("s", "spark")))
		collect(t, e, 2)
		assert.Equal(t, 1, client.ArtifactSubmits())
		assert.Equal(t, 1, client.ScriptSubmits())
	})
}

func TestExecutor_FaultsBecomeErrorResults(t *testing.T) {
	tests := map[string]struct {
		submit          func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error)
		engineType      string
		expectedMessage string
	}{
		"panic": {
			submit: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
				panic("index out of range")
			},
			engineType:      "spark",
			expectedMessage: "index out of range",
		},
		"error": {
			submit: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
				return nil, errors.New("connection refused")
			},
			engineType:      "spark",
			expectedMessage: "connection refused",
		},
		"nil result": {
			submit: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
				return nil, nil
			},
			engineType:      "spark",
			expectedMessage: "engine type spark returned no result",
		},
		"unknown engine type": {
			engineType:      "flink",
			expectedMessage: `resource "flink" of type "engine type" does not exist`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			client := &fake.Client{SubmitFunc: tc.submit}
			withExecutor(t, staticResolver{"spark": client}, Config{Slots: 1}, func(e *Executor) {
				require.NoError(t, e.Submit(scriptJob("broken", tc.engineType)))
				// The worker must survive and take the next job.
				require.NoError(t, e.Submit(scriptJob("next", "spark")))

				completed := collect(t, e, 2)
				assert.Equal(t, "broken", completed[0].TaskId)
				assert.True(t, completed[0].Result().IsErr())
				assert.Contains(t, completed[0].Result().Message(), tc.expectedMessage)
				assert.Equal(t, "next", completed[1].TaskId)
			})
			if tc.engineType != "spark" {
				assert.Equal(t, 1, client.ScriptSubmits())
			}
		})
	}
}

func TestExecutor_CallTimeout(t *testing.T) {
	client := &fake.Client{
		SubmitFunc: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 1, CallTimeout: 20 * time.Millisecond}, func(e *Executor) {
		require.NoError(t, e.Submit(scriptJob("slow", "spark")))
		completed := collect(t, e, 1)
		assert.True(t, completed[0].Result().IsErr())
		assert.Contains(t, completed[0].Result().Message(), context.DeadlineExceeded.Error())
	})
}

func TestExecutor_ShutdownCompletesQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	client := &fake.Client{
		SubmitFunc: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
			select {
			case <-release:
				return engine.NewSuccessResult("ok"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	logger, _ := test.NewNullLogger()
	e := New(staticResolver{"spark": client}, Config{Slots: 1}, logger)
	e.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Submit(scriptJob(fmt.Sprintf("task-%d", i), "spark")))
	}
	e.Shutdown()
	defer close(release)

	err := e.Submit(scriptJob("late", "spark"))
	assert.True(t, errors.Is(err, engineerrors.ErrShutdown))

	var completed []*engine.JobRequest
	for job := range e.Completions() {
		completed = append(completed, job)
	}
	<-e.Done()

	assert.Len(t, completed, 5)
	for _, job := range completed {
		assert.True(t, job.Result().IsErr(), job.TaskId)
	}
}

func TestExecutor_ShutdownWithoutStart(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := New(staticResolver{}, Config{}, logger)
	require.NoError(t, e.Submit(scriptJob("queued", "spark")))
	e.Shutdown()

	job, ok := <-e.Completions()
	require.True(t, ok)
	assert.Equal(t, "queued", job.TaskId)
	assert.Contains(t, job.Result().Message(), engineerrors.ErrShutdown.Error())
	assert.True(t, NotSubmitted(job.Result()))
	_, ok = <-e.Completions()
	assert.False(t, ok)
}

func TestExecutor_SubmitNil(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := New(staticResolver{}, Config{}, logger)
	var target *engineerrors.ErrInvalidArgument
	assert.True(t, errors.As(e.Submit(nil), &target))
}

func TestExecutor_SubmitRejectsCompletedJob(t *testing.T) {
	client := &fake.Client{}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 1}, func(e *Executor) {
		job := scriptJob("task-1", "spark")
		require.NoError(t, e.Submit(job))
		collect(t, e, 1)

		var target *engineerrors.ErrInvalidArgument
		assert.True(t, errors.As(e.Submit(job), &target))
		assert.Equal(t, int64(1), e.Stats().Accepted)
		assert.Equal(t, 1, client.ScriptSubmits())
	})
}

func TestExecutor_Passthroughs(t *testing.T) {
	client := &fake.Client{
		StatusFunc: func(ctx context.Context, id string) (engine.TaskStatus, error) {
			switch id {
			case "":
				return engine.StatusNone, nil
			case "broken":
				return engine.StatusNone, errors.New("unreachable")
			case "panics":
				panic("bad response")
			}
			return engine.StatusWaitCompute, nil
		},
		ResourcesFunc: func(ctx context.Context) *engine.ResourceInfo {
			return &engine.ResourceInfo{AliveWorkers: 1, TotalCores: 4}
		},
	}
	withExecutor(t, staticResolver{"spark": client}, Config{}, func(e *Executor) {
		ctx := context.Background()
		assert.Equal(t, engine.StatusWaitCompute, e.GetStatus(ctx, "spark", "driver-1"))
		assert.Equal(t, engine.StatusNone, e.GetStatus(ctx, "spark", ""))
		assert.Equal(t, engine.StatusFailed, e.GetStatus(ctx, "spark", "broken"))
		assert.Equal(t, engine.StatusFailed, e.GetStatus(ctx, "spark", "panics"))
		assert.Equal(t, engine.StatusFailed, e.GetStatus(ctx, "flink", "driver-1"))

		assert.False(t, e.Cancel(ctx, "spark", "driver-1").IsErr())
		assert.Equal(t, []string{"driver-1"}, client.Cancels())
		assert.True(t, e.Cancel(ctx, "flink", "driver-1").IsErr())

		assert.Equal(t, []string{"driver-1: fake log"}, e.GetLog(ctx, "spark", "driver-1").Lines())
		lines := e.GetLog(ctx, "flink", "driver-1").Lines()
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "driver-1: can not get log")

		assert.Equal(t, 4, e.GetResources(ctx, "spark").TotalCores)
		assert.False(t, e.GetResources(ctx, "flink").Known())
	})
}

func TestExecutor_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	client := &fake.Client{
		SubmitFunc: func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
			if job.TaskId == "bad" {
				return engine.NewErrorResult("no"), nil
			}
			return engine.NewSuccessResult("ok"), nil
		},
	}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 2, Registerer: registry}, func(e *Executor) {
		require.NoError(t, e.Submit(scriptJob("good", "spark")))
		require.NoError(t, e.Submit(scriptJob("bad", "spark")))
		collect(t, e, 2)

		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.submissions.WithLabelValues("spark", outcomeSuccess)))
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.submissions.WithLabelValues("spark", outcomeError)))
		assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.queueDepth))
		assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.inFlight))
	})
}

func TestExecutor_MetricsSharedBetweenExecutors(t *testing.T) {
	registry := prometheus.NewRegistry()
	logger, _ := test.NewNullLogger()
	first := New(staticResolver{}, Config{Registerer: registry}, logger)
	client := &fake.Client{}
	withExecutor(t, staticResolver{"spark": client}, Config{Slots: 1, Registerer: registry}, func(e *Executor) {
		require.NoError(t, e.Submit(scriptJob("task-1", "spark")))
		collect(t, e, 1)

		assert.Same(t, first.metrics.submissions, e.metrics.submissions)
		assert.Equal(t, 1.0, testutil.ToFloat64(first.metrics.submissions.WithLabelValues("spark", outcomeSuccess)))
	})
}
