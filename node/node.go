// Package node defines cluster Node identity and the total order over node
// lists required by the epoch log and vnode ring.
package node

import (
	"fmt"
	"sort"
)

// ID is a node's structural identity: the (address, port) pair. Two nodes
// are equal iff their ID is equal, regardless of any other attribute.
type ID struct {
	Addr string
	Port uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Addr, id.Port)
}

// Less defines the stable total order used everywhere a node list must be
// sorted: lexicographic by address, then by port.
func (id ID) Less(other ID) bool {
	if id.Addr != other.Addr {
		return id.Addr < other.Addr
	}
	return id.Port < other.Port
}

// Node is a cluster member's full descriptor.
type Node struct {
	ID ID

	// Zone is the failure domain this node belongs to.
	Zone uint32

	// VnodeWeight is the number of ring tokens this node owns. Zero means
	// the node is a pure gateway: it routes requests but holds no data and
	// does not count toward nr_zones.
	VnodeWeight uint16
}

// IsGateway reports whether this node carries no data.
func (n Node) IsGateway() bool { return n.VnodeWeight == 0 }

// Equal is structural equality over identity only, per spec §3.
func (n Node) Equal(other Node) bool { return n.ID == other.ID }

// List is a node list maintained in the cluster's canonical total order.
type List []Node

// Sort orders the list in place by the canonical comparator.
func (l List) Sort() {
	sort.Slice(l, func(i, j int) bool { return l[i].ID.Less(l[j].ID) })
}

// Sorted returns a sorted copy, leaving l untouched.
func (l List) Sorted() List {
	out := make(List, len(l))
	copy(out, l)
	out.Sort()
	return out
}

// Contains reports whether n (by identity) is present in the list.
func (l List) Contains(n Node) bool {
	for _, m := range l {
		if m.Equal(n) {
			return true
		}
	}
	return false
}

// Equal reports whether two (already sorted) lists contain the same nodes
// with the same attributes, in the same order.
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// NrZones counts the number of distinct zones among data-carrying
// (non-gateway) nodes, per spec §3's Vnode Snapshot definition.
func (l List) NrZones() int {
	seen := make(map[uint32]struct{}, len(l))
	for _, n := range l {
		if n.IsGateway() {
			continue
		}
		seen[n.Zone] = struct{}{}
	}
	return len(seen)
}

// Clone returns an independent copy of the list.
func (l List) Clone() List {
	out := make(List, len(l))
	copy(out, l)
	return out
}
