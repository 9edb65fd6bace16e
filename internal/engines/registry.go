// Package engines wires the backends compiled into the binary.
package engines

import (
	"github.com/enginemaster/enginemaster/internal/engines/loopback"
	"github.com/enginemaster/enginemaster/internal/engines/spark"
	"github.com/enginemaster/enginemaster/internal/plugin"
)

// NewRegistry returns a registry holding every built in backend.
func NewRegistry() *plugin.Registry {
	registry := plugin.NewRegistry()
	registry.Register(spark.EngineType, spark.Plugin)
	registry.Register(loopback.EngineType, loopback.Plugin)
	return registry
}
