// Package setregistry is the minimal namespace/set-name-to-id lookup
// internal/scan/request.SetResolver needs; set metadata management is
// out of this core's scope, so this is just a synchronized map rather
// than a full catalog service.
package setregistry

import "sync"

// Registry maps (namespace, set name) pairs to stable int32 ids.
type Registry struct {
	mu   sync.RWMutex
	next int32
	ids  map[string]int32
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{ids: make(map[string]int32)}
}

// Ensure returns set's id within namespace, allocating one if this is
// the first time it has been seen.
func (r *Registry) Ensure(namespace, set string) int32 {
	key := namespace + "\x00" + set
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[key]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[key] = id
	return id
}

// ResolveSetID implements request.SetResolver.
func (r *Registry) ResolveSetID(namespace, set string) (id int32, known bool) {
	key := namespace + "\x00" + set
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, known = r.ids[key]
	return id, known
}
