package ai

import (
	"sync"

	"github.com/lowkit/lowkit/appconfig"
)

// Registry caches built models per integration id. Models are constructed
// lazily and evicted wholesale when integrations or app config change.
type Registry struct {
	lookup    func(id string) (map[string]string, bool)
	appConfig appconfig.Lookup

	mu     sync.Mutex
	models map[string]*Model
}

// NewRegistry creates a registry resolving integration settings and
// app-config keys through the given lookups.
func NewRegistry(lookup func(id string) (map[string]string, bool), appConfig appconfig.Lookup) *Registry {
	return &Registry{
		lookup:    lookup,
		appConfig: appConfig,
		models:    make(map[string]*Model),
	}
}

// Get returns the cached model for the integration, building it first when
// needed.
func (r *Registry) Get(integrationID string) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.models[integrationID]; ok {
		return m, nil
	}
	settings, ok := r.lookup(integrationID)
	if !ok {
		return nil, ErrUnknownIntegration
	}
	info, err := ExtractConnectionInfo(settings, r.appConfig)
	if err != nil {
		return nil, err
	}
	m, err := CreateModel(info)
	if err != nil {
		return nil, err
	}
	r.models[integrationID] = m
	return m, nil
}

// ResetAll evicts every cached model. The next Get rebuilds from fresh
// configuration.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]*Model)
}
