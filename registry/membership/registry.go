// Package membership holds the current Node Registry: the cluster's live,
// sorted membership list (spec §4.2). In a running node it is mutated by the
// event serializer's phase-B and by the one-shot cluster.Ctx.Format; readers
// get a snapshot copy.
package membership

import (
	"sync"

	"github.com/flocknode/sheepcore/node"
)

// Registry is the current membership.
type Registry struct {
	mu    sync.RWMutex
	nodes node.List
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{nodes: node.List{}}
}

// Replace atomically swaps the membership list. Callers are the event
// serializer, cluster.Ctx.Format, and the offline `sheepd nodes` command
// filling its own private registry.
func (r *Registry) Replace(nodes node.List) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes.Sorted()
}

// Snapshot returns a sorted copy of the current membership.
func (r *Registry) Snapshot() node.List {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.Clone()
}

// Contains reports whether n is a current member (by identity).
func (r *Registry) Contains(n node.Node) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.Contains(n)
}

// Size returns the current membership count.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// NrZones returns the number of distinct zones among data-carrying members.
func (r *Registry) NrZones() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.NrZones()
}
