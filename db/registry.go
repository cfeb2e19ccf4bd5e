package db

import (
	"fmt"
	"sync"

	"github.com/lowkit/lowkit/appconfig"
)

// Registry hands out cached pooled adapters per integration ID. Adapters
// are constructed lazily on first use and live for the process lifetime
// until ResetAll evicts them wholesale after an integration or app-config
// edit.
type Registry struct {
	lookup    func(id string) (Integration, bool)
	appConfig appconfig.Lookup

	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry resolving integrations and app-config
// keys through the given lookups.
func NewRegistry(lookup func(id string) (Integration, bool), appConfig appconfig.Lookup) *Registry {
	return &Registry{
		lookup:    lookup,
		appConfig: appConfig,
		adapters:  make(map[string]Adapter),
	}
}

// Get returns the cached adapter for the integration, building it first
// when needed.
func (r *Registry) Get(integrationID string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[integrationID]; ok {
		return a, nil
	}
	a, err := r.build(integrationID)
	if err != nil {
		return nil, err
	}
	r.adapters[integrationID] = a
	return a, nil
}

// Session returns a fresh adapter sharing the integration's pool but with
// independent transaction state. Manual transactions use sessions so a
// reserved connection is scoped to one request.
func (r *Registry) Session(integrationID string) (Adapter, error) {
	a, err := r.Get(integrationID)
	if err != nil {
		return nil, err
	}
	return a.Session(), nil
}

// ResetAll tears down and evicts every cached adapter. Called after
// integration or app-config changes; the next Get rebuilds from fresh
// configuration.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.adapters {
		_ = a.Close()
		delete(r.adapters, id)
	}
}

// build constructs an adapter for the integration, resolving cfg:
// indirections in its settings first. Construction fails rather than
// connecting with an unresolved credential.
func (r *Registry) build(integrationID string) (Adapter, error) {
	integ, ok := r.lookup(integrationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	settings, err := ResolveFields(integ.Settings, r.appConfig)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integrationID, err)
	}
	switch integ.Variant {
	case "postgres", "postgresql":
		return openPostgres(settings)
	case "sqlite":
		return openSQLite(settings)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, integ.Variant)
	}
}
