package providers

import (
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
)

// Registry holds the configured provider adapters keyed by provider ID.
type Registry struct {
	mtx      sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same ID twice is a wiring bug.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "adapter is required")
	}
	id := adapter.ID()
	if id == "" {
		return pkgerrors.New(pkgerrors.CodeInternal, "adapter id is required")
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, exists := r.adapters[id]; exists {
		return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("provider %q already registered", id))
	}
	r.adapters[id] = adapter
	return nil
}

// Get returns the adapter for the given provider ID.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("provider %q not registered", id))
	}
	return adapter, nil
}

// IDs lists registered provider IDs in stable order.
func (r *Registry) IDs() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
