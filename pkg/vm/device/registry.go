package device

import (
	"fmt"
	"sync"
)

// PlatformInfo describes a registered platform.
type PlatformInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Registry holds the platforms available to a process, in registration
// order. Platforms are selected by index.
type Registry struct {
	mu        sync.RWMutex
	platforms []Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register appends a backend and returns its platform index.
func (r *Registry) Register(b Backend) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms = append(r.platforms, b)
	return len(r.platforms) - 1
}

// Select returns the backend at index.
func (r *Registry) Select(index int) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.platforms) == 0 {
		return nil, fmt.Errorf("%w: no platforms registered", ErrBackendUnavailable)
	}
	if index < 0 || index >= len(r.platforms) {
		return nil, fmt.Errorf("%w: platform index %d (have %d)", ErrBackendUnavailable, index, len(r.platforms))
	}
	return r.platforms[index], nil
}

// Lookup returns the first backend with the given name.
func (r *Registry) Lookup(name string) (Backend, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, b := range r.platforms {
		if b.Name() == name {
			return b, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: no platform named %q", ErrBackendUnavailable, name)
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []PlatformInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PlatformInfo, len(r.platforms))
	for i, b := range r.platforms {
		out[i] = PlatformInfo{Index: i, Name: b.Name()}
	}
	return out
}
