// Package fake provides a scriptable engine.Client for tests.
package fake

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

// Client is an engine.Client whose behaviour is set through its function fields. Unset functions succeed.
type Client struct {
	SubmitFunc    func(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error)
	CancelFunc    func(ctx context.Context, id string) *engine.JobResult
	StatusFunc    func(ctx context.Context, id string) (engine.TaskStatus, error)
	ResourcesFunc func(ctx context.Context) *engine.ResourceInfo

	mu              sync.Mutex
	artifactSubmits int
	scriptSubmits   int
	cancels         []string
	pluginContexts  []engine.PluginContext
}

func (c *Client) record(ctx context.Context) {
	if pc, ok := engine.PluginContextFrom(ctx); ok {
		c.pluginContexts = append(c.pluginContexts, pc)
	}
}

func (c *Client) submit(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	if c.SubmitFunc != nil {
		return c.SubmitFunc(ctx, job)
	}
	return engine.NewSuccessResult("fake-" + job.TaskId), nil
}

func (c *Client) SubmitByArtifact(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	c.mu.Lock()
	c.artifactSubmits++
	c.record(ctx)
	c.mu.Unlock()
	return c.submit(ctx, job)
}

func (c *Client) SubmitByScript(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	c.mu.Lock()
	c.scriptSubmits++
	c.record(ctx)
	c.mu.Unlock()
	return c.submit(ctx, job)
}

func (c *Client) Cancel(ctx context.Context, id string) *engine.JobResult {
	c.mu.Lock()
	c.cancels = append(c.cancels, id)
	c.record(ctx)
	c.mu.Unlock()
	if c.CancelFunc != nil {
		return c.CancelFunc(ctx, id)
	}
	return engine.NewSuccessResult(id)
}

func (c *Client) GetStatus(ctx context.Context, id string) (engine.TaskStatus, error) {
	c.mu.Lock()
	c.record(ctx)
	c.mu.Unlock()
	if c.StatusFunc != nil {
		return c.StatusFunc(ctx, id)
	}
	if id == "" {
		return engine.StatusNone, nil
	}
	return engine.StatusRunning, nil
}

func (c *Client) GetLog(ctx context.Context, id string) *engine.LogBundle {
	b := &engine.LogBundle{}
	b.AddDriverLog(id, "fake log")
	return b
}

func (c *Client) GetResources(ctx context.Context) *engine.ResourceInfo {
	if c.ResourcesFunc != nil {
		return c.ResourcesFunc(ctx)
	}
	return &engine.ResourceInfo{}
}

func (c *Client) ArtifactSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifactSubmits
}

func (c *Client) ScriptSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scriptSubmits
}

func (c *Client) Cancels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

// PluginContexts returns the plugin context seen by each call, in call order.
func (c *Client) PluginContexts() []engine.PluginContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.PluginContext(nil), c.pluginContexts...)
}

// Plugin returns a plugin that always hands out c and counts how often it was initialised.
func (c *Client) Plugin(inits *int) engine.Plugin {
	var mu sync.Mutex
	return engine.PluginFunc(func(props engine.Properties, logger logrus.FieldLogger) (engine.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if inits != nil {
			*inits++
		}
		return c, nil
	})
}
