package plugin

import (
	"context"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

// isolatedClient makes the engine type's PluginContext current for every call on the wrapped client.
type isolatedClient struct {
	engine.Client
	pc engine.PluginContext
}

func (c *isolatedClient) enter(ctx context.Context) context.Context {
	return engine.WithPluginContext(ctx, c.pc)
}

func (c *isolatedClient) SubmitByArtifact(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	return c.Client.SubmitByArtifact(c.enter(ctx), job)
}

func (c *isolatedClient) SubmitByScript(ctx context.Context, job *engine.JobRequest) (*engine.JobResult, error) {
	return c.Client.SubmitByScript(c.enter(ctx), job)
}

func (c *isolatedClient) Cancel(ctx context.Context, engineJobId string) *engine.JobResult {
	return c.Client.Cancel(c.enter(ctx), engineJobId)
}

func (c *isolatedClient) GetStatus(ctx context.Context, engineJobId string) (engine.TaskStatus, error) {
	return c.Client.GetStatus(c.enter(ctx), engineJobId)
}

func (c *isolatedClient) GetLog(ctx context.Context, engineJobId string) *engine.LogBundle {
	return c.Client.GetLog(c.enter(ctx), engineJobId)
}

func (c *isolatedClient) GetResources(ctx context.Context) *engine.ResourceInfo {
	return c.Client.GetResources(c.enter(ctx))
}
