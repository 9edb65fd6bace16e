package plugin

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

// Registry is the set of backends compiled into the binary, keyed by engine type name.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]engine.Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]engine.Plugin{}}
}

// Register adds a backend. Registering the same engine type twice is a programming error and panics.
func (r *Registry) Register(engineType string, p engine.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[engineType]; exists {
		panic(fmt.Sprintf("plugin for engine type %q registered twice", engineType))
	}
	r.plugins[engineType] = p
}

func (r *Registry) Lookup(engineType string) (engine.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[engineType]
	return p, ok
}

// Names returns the registered engine types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.plugins)
	slices.Sort(names)
	return names
}
