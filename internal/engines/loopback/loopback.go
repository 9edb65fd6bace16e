// Package loopback is an in-process backend. It accepts every well formed job and walks it through a
// simulated lifecycle, which makes it useful for local runs and tests of everything above the engine client.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

const EngineType = "loopback"

type Config struct {
	// Number of status polls after which a job reports finished.
	CompleteAfterPolls int     `mapstructure:"completeAfterPolls"`
	Cores              int     `mapstructure:"cores"`
	MemoryMB           float64 `mapstructure:"memoryMB"`
	// Jobs whose name matches are rejected with an error result. Useful to exercise failure paths.
	RejectJobName string `mapstructure:"rejectJobName"`
}

type job struct {
	taskId string
	name   string
	polls  int
	status engine.TaskStatus
}

// Client keeps its simulated jobs behind a mutex, so it is safe for concurrent use.
type Client struct {
	config Config
	logger logrus.FieldLogger

	mu     sync.Mutex
	nextId int
	jobs   map[string]*job
}

var Plugin = engine.PluginFunc(func(props engine.Properties, logger logrus.FieldLogger) (engine.Client, error) {
	return New(props, logger)
})

func New(props engine.Properties, logger logrus.FieldLogger) (*Client, error) {
	config := Config{CompleteAfterPolls: 2}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: &config})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := decoder.Decode(map[string]string(props)); err != nil {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{EngineType: EngineType, Message: err.Error()})
	}
	if config.CompleteAfterPolls < 0 {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{
			EngineType: EngineType,
			Field:      "completeAfterPolls",
			Message:    "must not be negative",
		})
	}
	return &Client{config: config, logger: logger, jobs: map[string]*job{}}, nil
}

func (c *Client) accept(ctx context.Context, request *engine.JobRequest) *engine.JobResult {
	if c.config.RejectJobName != "" && request.JobName == c.config.RejectJobName {
		return engine.NewErrorResult(fmt.Sprintf("job name %s is rejected", request.JobName))
	}
	c.mu.Lock()
	c.nextId++
	id := fmt.Sprintf("loopback-%d", c.nextId)
	c.jobs[id] = &job{taskId: request.TaskId, name: request.JobName, status: engine.StatusWaitCompute}
	c.mu.Unlock()

	engine.LoggerFrom(ctx, c.logger).WithField("taskId", request.TaskId).Infof("Accepted job as %s", id)
	return engine.NewSuccessResult(id)
}

func (c *Client) SubmitByArtifact(ctx context.Context, request *engine.JobRequest) (*engine.JobResult, error) {
	artifacts := request.ArtifactOperators()
	if len(artifacts) != 1 {
		return engine.NewErrorResult(fmt.Sprintf("submit by artifact takes exactly one add artifact operator, got %d", len(artifacts))), nil
	}
	if artifacts[0].Path == "" {
		return engine.NewErrorResult("artifact path must not be empty"), nil
	}
	return c.accept(ctx, request), nil
}

func (c *Client) SubmitByScript(ctx context.Context, request *engine.JobRequest) (*engine.JobResult, error) {
	if len(request.ScriptOperators()) == 0 {
		return engine.NewErrorResult("job has no script operator"), nil
	}
	return c.accept(ctx, request), nil
}

func (c *Client) Cancel(ctx context.Context, engineJobId string) *engine.JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[engineJobId]
	if !ok {
		return engine.NewErrorResult(fmt.Sprintf("job %s not found", engineJobId))
	}
	if j.status.IsTerminal() {
		return engine.NewErrorResult(fmt.Sprintf("job %s has already %s", engineJobId, j.status))
	}
	j.status = engine.StatusCanceled
	return engine.NewSuccessResult(engineJobId)
}

// GetStatus moves a job one step forward per poll: waiting, running, then finished once
// CompleteAfterPolls polls have been made.
func (c *Client) GetStatus(ctx context.Context, engineJobId string) (engine.TaskStatus, error) {
	if engineJobId == "" {
		return engine.StatusNone, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[engineJobId]
	if !ok {
		return engine.StatusNotFound, nil
	}
	if j.status.IsTerminal() {
		return j.status, nil
	}
	j.polls++
	switch {
	case j.polls >= c.config.CompleteAfterPolls:
		j.status = engine.StatusFinished
	default:
		j.status = engine.StatusRunning
	}
	return j.status, nil
}

func (c *Client) GetLog(ctx context.Context, engineJobId string) *engine.LogBundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[engineJobId]
	if !ok {
		return engine.NewDiagnosticBundle(engineJobId, "job not found")
	}
	bundle := &engine.LogBundle{}
	bundle.AddDriverLog(engineJobId, fmt.Sprintf("task %s (%s) is %s after %d polls", j.taskId, j.name, j.status, j.polls))
	return bundle
}

func (c *Client) GetResources(ctx context.Context) *engine.ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.Cores == 0 && c.config.MemoryMB == 0 {
		return &engine.ResourceInfo{}
	}
	used := 0
	for _, j := range c.jobs {
		if j.status == engine.StatusRunning {
			used++
		}
	}
	if used > c.config.Cores {
		used = c.config.Cores
	}
	return &engine.ResourceInfo{
		AliveWorkers:  1,
		TotalCores:    c.config.Cores,
		UsedCores:     used,
		TotalMemoryMB: c.config.MemoryMB,
	}
}
