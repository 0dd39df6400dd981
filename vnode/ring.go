// Package vnode implements the Vnode Snapshot of spec §3/§4.3: an
// immutable, reference-counted consistent-hash ring derived from the node
// registry, used to place objects onto replica nodes.
package vnode

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"github.com/flocknode/sheepcore/node"
)

// ringEntry is one vnode token on the ring, owned by a node.
type ringEntry struct {
	token   uint64
	nodeIdx int
}

// Snapshot is an immutable mapping from object id to replica nodes,
// produced by RebuildFrom. Per spec I1, a published snapshot is never
// mutated, only replaced. Callers that need to outlive a suspension point
// must Acquire() and Release() it; see refcount.go.
type Snapshot struct {
	nodes   node.List // the registry this snapshot was built from, sorted
	ring    []ringEntry
	nrZones int

	refcount int32
}

// hashToken derives the ring token of one of a node's vnodes. A node's
// VnodeWeight is its number of ring tokens, so a gateway (weight 0)
// contributes none.
func hashToken(addr string, port uint16, copyIdx int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(addr))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	_, _ = h.Write(portBuf[:])
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(copyIdx))
	_, _ = h.Write(idxBuf[:])
	return h.Sum64()
}

// RebuildFrom constructs a fresh Snapshot from the given node list. The
// returned snapshot has refcount 1, per spec §3 ("refcount starts at 1 on
// publication").
func RebuildFrom(nodes node.List) *Snapshot {
	sorted := nodes.Sorted()
	s := &Snapshot{
		nodes:    sorted,
		nrZones:  sorted.NrZones(),
		refcount: 1,
	}
	for idx, n := range sorted {
		for copyIdx := 0; copyIdx < int(n.VnodeWeight); copyIdx++ {
			s.ring = append(s.ring, ringEntry{
				token:   hashToken(n.ID.Addr, n.ID.Port, copyIdx),
				nodeIdx: idx,
			})
		}
	}
	sort.Slice(s.ring, func(i, j int) bool { return s.ring[i].token < s.ring[j].token })
	return s
}

// NrZones is the number of distinct zones among data-carrying nodes in this
// snapshot, used by the state machine to evaluate effective_copies (spec I2).
func (s *Snapshot) NrZones() int { return s.nrZones }

// Nodes returns the (already sorted) node list this snapshot was built
// from. Callers must not mutate the returned slice.
func (s *Snapshot) Nodes() node.List { return s.nodes }

// Locate returns the ordered set of nCopies distinct nodes that should hold
// replicas of oid, per spec §4.3: walk the ring from hash(oid), skipping
// vnodes whose owning node has already been selected, until nCopies
// distinct nodes are collected or the ring is exhausted.
func (s *Snapshot) Locate(oid string, nCopies int) node.List {
	if len(s.ring) == 0 || nCopies <= 0 {
		return node.List{}
	}
	start := hashObjectID(oid)
	startIdx := sort.Search(len(s.ring), func(i int) bool { return s.ring[i].token >= start })

	seen := make(map[int]struct{}, nCopies)
	out := make(node.List, 0, nCopies)
	for i := 0; i < len(s.ring) && len(out) < nCopies; i++ {
		entry := s.ring[(startIdx+i)%len(s.ring)]
		if _, ok := seen[entry.nodeIdx]; ok {
			continue
		}
		seen[entry.nodeIdx] = struct{}{}
		out = append(out, s.nodes[entry.nodeIdx])
	}
	return out
}

func hashObjectID(oid string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(oid))
	return h.Sum64()
}
