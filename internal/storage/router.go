package storage

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// Router resolves the storage backend for an owning principal from the
// owner's stored configuration and memoizes the instance. Backends are
// stateless and safe to share, so one instance per (owner, kind) serves
// all of that owner's requests. Replaces any notion of mutable global
// backend singletons: the Router is constructed explicitly and injected.
type Router struct {
	factory *Factory

	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRouter creates a Router over the given factory.
func NewRouter(factory *Factory) *Router {
	return &Router{
		factory:  factory,
		backends: make(map[string]Backend),
	}
}

// ForOwner returns the backend configured for the owner.
func (r *Router) ForOwner(ctx context.Context, owner *domain.Owner) (Backend, error) {
	if !owner.BackendKind.Valid() {
		return nil, domain.NewDomainError(domain.ErrBackendPermission,
			"owner has no valid backend configured", owner.Name)
	}

	cacheKey := string(owner.BackendKind) + "/" + strconv.FormatInt(owner.ID, 10)

	r.mu.RLock()
	backend, ok := r.backends[cacheKey]
	r.mu.RUnlock()
	if ok {
		return backend, nil
	}

	backend, err := r.factory.New(ctx, owner.BackendKind, owner.BackendConfig)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another request may have built it meanwhile; keep the first.
	if existing, ok := r.backends[cacheKey]; ok {
		backend = existing
	} else {
		r.backends[cacheKey] = backend
	}
	r.mu.Unlock()

	return backend, nil
}

// Invalidate drops the memoized backend for an owner, forcing the next
// request to rebuild from fresh configuration.
func (r *Router) Invalidate(owner *domain.Owner) {
	r.mu.Lock()
	delete(r.backends, string(owner.BackendKind)+"/"+strconv.FormatInt(owner.ID, 10))
	r.mu.Unlock()
}
