// Package engine defines the contract every compute-engine backend implements, together with the job
// request and result model shared between the scheduler core and the backends.
//
// A backend is registered as a Plugin. The plugin is initialised once per engine type from a flat set of
// properties and produces a long-lived Client which is shared by every submission worker, so Client
// implementations must be safe for concurrent use and must not keep per-call state on the instance.
package engine

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Properties is the flat key/value configuration of one engine type.
type Properties map[string]string

// Get returns the value for key, or def when the key is unset or blank.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Plugin creates the Client for one engine type. Init validates the engine specific configuration and must
// fail with a configuration error if a required field is missing.
type Plugin interface {
	Init(props Properties, logger logrus.FieldLogger) (Client, error)
}

// PluginFunc makes a Plugin using the provided function as its Init method. This is similar to http.HandlerFunc.
func PluginFunc(fn func(props Properties, logger logrus.FieldLogger) (Client, error)) Plugin {
	return pluginFunc(fn)
}

type pluginFunc func(props Properties, logger logrus.FieldLogger) (Client, error)

func (f pluginFunc) Init(props Properties, logger logrus.FieldLogger) (Client, error) {
	return f(props, logger)
}

// Client is the set of capabilities a backend offers to the scheduler.
type Client interface {
	// SubmitByArtifact submits a job described by exactly one add-artifact operator.
	// Validation failures are reported as an error result; a returned error means the call itself broke.
	SubmitByArtifact(ctx context.Context, job *JobRequest) (*JobResult, error)
	// SubmitByScript submits the concatenation of every script operator of the job.
	SubmitByScript(ctx context.Context, job *JobRequest) (*JobResult, error)
	// Cancel asks the backend to stop the job with the given backend id. Failures are reported in the result.
	Cancel(ctx context.Context, engineJobId string) *JobResult
	// GetStatus polls the backend. A blank id returns StatusNone without any network call.
	GetStatus(ctx context.Context, engineJobId string) (TaskStatus, error)
	// GetLog collects whatever logs are reachable. It never fails; unreachable parts are replaced by
	// diagnostic lines.
	GetLog(ctx context.Context, engineJobId string) *LogBundle
	// GetResources reports what the backend has available. It returns an empty ResourceInfo on failure.
	GetResources(ctx context.Context) *ResourceInfo
}

// PluginContext is the isolation context of one engine type. The resolver attaches it to the context of
// every call made on a resolved client.
type PluginContext struct {
	EngineType string
	// Directory holding the engine type's binaries.
	Dir    string
	Logger logrus.FieldLogger
}

type pluginContextKey struct{}

// WithPluginContext returns a copy of ctx carrying pc.
func WithPluginContext(ctx context.Context, pc PluginContext) context.Context {
	return context.WithValue(ctx, pluginContextKey{}, pc)
}

// PluginContextFrom returns the PluginContext attached to ctx, if any.
func PluginContextFrom(ctx context.Context) (PluginContext, bool) {
	pc, ok := ctx.Value(pluginContextKey{}).(PluginContext)
	return pc, ok
}

// LoggerFrom returns the plugin logger attached to ctx, falling back to def.
func LoggerFrom(ctx context.Context, def logrus.FieldLogger) logrus.FieldLogger {
	if pc, ok := PluginContextFrom(ctx); ok && pc.Logger != nil {
		return pc.Logger
	}
	return def
}
