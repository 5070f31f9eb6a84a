// Package registry implements the C5 service registry: per-service
// instance lists with health flags and round-robin selection.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aras-services/api-gateway/internal/domain"
)

// ErrNoInstances is returned by URLFor when a service currently has no
// instances, whether it was never registered or all were removed.
var ErrNoInstances = errors.New("registry: no instances registered for service")

type serviceEntry struct {
	mu        sync.Mutex
	instances []domain.ServiceInstance
	cursor    atomic.Uint64
}

// ServiceRegistry is the C5 component. Safe for concurrent use; updates
// to one service's instance list never block reads or writes for
// another service name.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
}

// New builds an empty ServiceRegistry.
func New() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]*serviceEntry)}
}

func (r *ServiceRegistry) entry(name string) *serviceEntry {
	r.mu.RLock()
	e, ok := r.services[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.services[name]; ok {
		return e
	}
	e = &serviceEntry{}
	r.services[name] = e
	return e
}

// Register adds instance under serviceName, replacing any existing
// instance sharing its ID.
func (r *ServiceRegistry) Register(serviceName string, instance domain.ServiceInstance) {
	e := r.entry(serviceName)
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.instances {
		if existing.ID == instance.ID {
			e.instances[i] = instance
			return
		}
	}
	e.instances = append(e.instances, instance)
}

// Deregister removes the instance with the given ID from serviceName.
func (r *ServiceRegistry) Deregister(serviceName, id string) {
	e := r.entry(serviceName)
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.instances {
		if existing.ID == id {
			e.instances = append(e.instances[:i], e.instances[i+1:]...)
			return
		}
	}
}

// UpdateHealth sets the Healthy flag for the named instance, if present.
func (r *ServiceRegistry) UpdateHealth(serviceName, id string, healthy bool) {
	e := r.entry(serviceName)
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.instances {
		if e.instances[i].ID == id {
			e.instances[i].Healthy = healthy
			return
		}
	}
}

// InstancesOf returns a snapshot copy of serviceName's instance list.
func (r *ServiceRegistry) InstancesOf(serviceName string) []domain.ServiceInstance {
	e := r.entry(serviceName)
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.ServiceInstance, len(e.instances))
	copy(out, e.instances)
	return out
}

// URLFor selects one instance's base URL for serviceName via round
// robin over the healthy subset, falling back to the full instance list
// (including unhealthy ones) when none are healthy — spec.md §8's
// boundary case "a service with zero healthy instances still returns a
// URL rather than null".
func (r *ServiceRegistry) URLFor(serviceName string) (string, error) {
	e := r.entry(serviceName)

	e.mu.Lock()
	all := make([]domain.ServiceInstance, len(e.instances))
	copy(all, e.instances)
	e.mu.Unlock()

	if len(all) == 0 {
		return "", ErrNoInstances
	}

	pool := healthySubset(all)
	if len(pool) == 0 {
		pool = all
	}

	idx := e.cursor.Add(1) - 1
	return pool[idx%uint64(len(pool))].BaseURL, nil
}

func healthySubset(all []domain.ServiceInstance) []domain.ServiceInstance {
	out := make([]domain.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out
}
