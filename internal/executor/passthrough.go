package executor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/enginemaster/enginemaster/internal/common/logging"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

// call runs fn against the client of engineType with the call timeout applied. A resolution error, an
// error from fn or a panic are handed to fallback instead.
func call[T any](
	ctx context.Context,
	e *Executor,
	engineType, operation string,
	fn func(ctx context.Context, client engine.Client) (T, error),
	fallback func(err error) T,
) (out T) {
	logger := e.logger.WithField("engineType", engineType).WithField("operation", operation)
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("engine client panicked: %v", r)
			logging.WithStacktrace(logger, err).Error("Recovered from panic in engine call")
			e.metrics.passthrough.WithLabelValues(engineType, operation).Inc()
			out = fallback(err)
		}
	}()

	client, err := e.resolver.Resolve(engineType)
	if err != nil {
		logger.WithError(err).Warn("Cannot resolve engine client")
		e.metrics.passthrough.WithLabelValues(engineType, operation).Inc()
		return fallback(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	out, err = fn(ctx, client)
	if err != nil {
		logger.WithError(err).Warn("Engine call failed")
		e.metrics.passthrough.WithLabelValues(engineType, operation).Inc()
		return fallback(err)
	}
	return out
}

// GetStatus polls the engine. Any failure, including an unknown engine type, degrades to StatusFailed.
func (e *Executor) GetStatus(ctx context.Context, engineType, engineJobId string) engine.TaskStatus {
	return call(ctx, e, engineType, "status",
		func(ctx context.Context, client engine.Client) (engine.TaskStatus, error) {
			return client.GetStatus(ctx, engineJobId)
		},
		func(error) engine.TaskStatus { return engine.StatusFailed },
	)
}

// Cancel returns whatever the engine reports; an unknown engine type yields an error result.
func (e *Executor) Cancel(ctx context.Context, engineType, engineJobId string) *engine.JobResult {
	return call(ctx, e, engineType, "cancel",
		func(ctx context.Context, client engine.Client) (*engine.JobResult, error) {
			result := client.Cancel(ctx, engineJobId)
			if result == nil {
				return nil, errors.Errorf("engine type %s returned no result for cancel of %s", engineType, engineJobId)
			}
			return result, nil
		},
		engine.NewErrorResultFromError,
	)
}

func (e *Executor) GetLog(ctx context.Context, engineType, engineJobId string) *engine.LogBundle {
	return call(ctx, e, engineType, "log",
		func(ctx context.Context, client engine.Client) (*engine.LogBundle, error) {
			bundle := client.GetLog(ctx, engineJobId)
			if bundle == nil {
				return nil, errors.New("engine returned no log")
			}
			return bundle, nil
		},
		func(err error) *engine.LogBundle {
			return engine.NewDiagnosticBundle(engineJobId, fmt.Sprintf("can not get log: %s", err))
		},
	)
}

// GetResources returns an empty ResourceInfo when the engine cannot be asked.
func (e *Executor) GetResources(ctx context.Context, engineType string) *engine.ResourceInfo {
	return call(ctx, e, engineType, "resources",
		func(ctx context.Context, client engine.Client) (*engine.ResourceInfo, error) {
			info := client.GetResources(ctx)
			if info == nil {
				return &engine.ResourceInfo{}, nil
			}
			return info, nil
		},
		func(error) *engine.ResourceInfo { return &engine.ResourceInfo{} },
	)
}
