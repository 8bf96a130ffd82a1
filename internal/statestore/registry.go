package statestore

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory overrides or extends the built-in DSN schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
