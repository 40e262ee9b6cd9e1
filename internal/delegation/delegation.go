// Package delegation tracks which parent session spawned each child
// session. One Registry is shared by every repository-scoped session
// registry in the process.
package delegation

import (
	"maps"
	"slices"
	"sync"
)

// Registry maps child session ids to parent session ids.
type Registry struct {
	mu      sync.RWMutex
	parents map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parents: make(map[string]string)}
}

// SetParent records that child was spawned by parent. An existing edge for
// child is kept; edges are never updated. Returns false when the edge was
// not recorded.
func (r *Registry) SetParent(child, parent string) bool {
	if child == "" || parent == "" || child == parent {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parents[child]; exists {
		return false
	}
	r.parents[child] = parent
	return true
}

// GetParent returns child's parent.
func (r *Registry) GetParent(child string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parents[child]
	return p, ok
}

// Children returns the children of parent, sorted.
func (r *Registry) Children(parent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for c, p := range r.parents {
		if p == parent {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of edges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parents)
}

// Snapshot returns a copy of every edge.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.parents)
}

// Restore replaces every edge with edges.
func (r *Registry) Restore(edges map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parents = make(map[string]string, len(edges))
	for c, p := range edges {
		if c != "" && p != "" {
			r.parents[c] = p
		}
	}
}
