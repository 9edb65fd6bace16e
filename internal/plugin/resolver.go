package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/enginemaster/enginemaster/internal/common/engineerrors"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

// PluginDirName is the directory under the work dir holding one sub directory per engine type.
const PluginDirName = "plugin"

type entry struct {
	once   sync.Once
	client engine.Client
	err    error
}

// Resolver maps engine types to their client. Each engine type is initialised at most once; both the
// client and any initialisation error are cached for the lifetime of the process.
type Resolver struct {
	workDir  string
	registry *Registry
	configs  map[string]engine.Properties
	logger   log.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewResolver creates a resolver for the engine types in configs. Properties are copied.
func NewResolver(workDir string, registry *Registry, configs map[string]engine.Properties, logger log.FieldLogger) *Resolver {
	copied := make(map[string]engine.Properties, len(configs))
	for engineType, props := range configs {
		copied[engineType] = maps.Clone(props)
	}
	return &Resolver{
		workDir:  workDir,
		registry: registry,
		configs:  copied,
		logger:   logger,
		entries:  map[string]*entry{},
	}
}

// EngineTypes returns the configured engine types in sorted order.
func (r *Resolver) EngineTypes() []string {
	types := maps.Keys(r.configs)
	slices.Sort(types)
	return types
}

func (r *Resolver) IsConfigured(engineType string) bool {
	_, ok := r.configs[engineType]
	return ok
}

// PluginDir is <workDir>/plugin/<engineType>.
func (r *Resolver) PluginDir(engineType string) string {
	return filepath.Join(r.workDir, PluginDirName, engineType)
}

// Resolve returns the client of engineType, initialising it on first use.
// Concurrent first calls for the same engine type initialise it once; callers for other engine types are not blocked.
func (r *Resolver) Resolve(engineType string) (engine.Client, error) {
	props, ok := r.configs[engineType]
	if !ok {
		return nil, errors.WithStack(&engineerrors.ErrNotFound{Type: "engine type", Value: engineType})
	}

	r.mu.Lock()
	e, ok := r.entries[engineType]
	if !ok {
		e = &entry{}
		r.entries[engineType] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.client, e.err = r.load(engineType, props)
	})
	return e.client, e.err
}

// InitAll resolves every configured engine type. Failures are collected, so one broken engine type does not
// hide problems with the others; the healthy ones remain usable.
func (r *Resolver) InitAll() error {
	var result *multierror.Error
	for _, engineType := range r.EngineTypes() {
		if _, err := r.Resolve(engineType); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Resolver) load(engineType string, props engine.Properties) (engine.Client, error) {
	logger := r.logger.WithField("engineType", engineType)

	dir := r.PluginDir(engineType)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{
			EngineType: engineType,
			Message:    fmt.Sprintf("plugin directory %s does not exist", dir),
		})
	}

	p, ok := r.registry.Lookup(engineType)
	if !ok {
		return nil, errors.WithStack(&engineerrors.ErrConfiguration{
			EngineType: engineType,
			Message:    fmt.Sprintf("no backend is registered for this engine type; known types are %v", r.registry.Names()),
		})
	}

	client, err := p.Init(props, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialise engine client")
		return nil, errors.WithMessagef(err, "failed to initialise engine type %s", engineType)
	}
	logger.Infof("Loaded engine client from %s", dir)

	return &isolatedClient{
		Client: client,
		pc: engine.PluginContext{
			EngineType: engineType,
			Dir:        dir,
			Logger:     logger,
		},
	}, nil
}
