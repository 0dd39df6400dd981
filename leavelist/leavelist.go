// Package leavelist implements the Leave List of spec §3/§4.4: the set of
// nodes known to have departed since the last quorum, carried across joins
// until the cluster next reaches OK with them accounted for (I4, I6).
package leavelist

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/flocknode/sheepcore/node"
)

// List tracks departed-but-not-yet-reconciled nodes. Only the event
// serializer mutates it (spec §4.4); backed by gammazero/deque for O(1)
// append/clear rather than a slice that pays for front-removal it never
// does (entries are only ever appended or wiped wholesale).
type List struct {
	mu      sync.RWMutex
	entries deque.Deque
}

// New returns an empty leave list.
func New() *List {
	return &List{}
}

// Contains reports whether n is recorded as departed.
func (l *List) Contains(n node.Node) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < l.entries.Len(); i++ {
		if l.entries.At(i).(node.Node).Equal(n) {
			return true
		}
	}
	return false
}

// Add records n as departed, if not already present.
func (l *List) Add(n node.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.entries.Len(); i++ {
		if l.entries.At(i).(node.Node).Equal(n) {
			return
		}
	}
	l.entries.PushBack(n)
}

// Clear wipes the leave list, e.g. once the cluster reaches OK (spec P6:
// "whenever the state reaches OK, the leave list is empty").
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Clear()
}

// Replace wipes the leave list and repopulates it with nodes, used on a
// MASTER_TRANSFER join accept to adopt the joiner's leave-list baseline
// instead of this node's own (spec §4.6 MASTER_TRANSFER).
func (l *List) Replace(nodes node.List) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Clear()
	for _, n := range nodes {
		l.entries.PushBack(n)
	}
}

// Size returns the number of recorded departed nodes.
func (l *List) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

// Snapshot returns a copy of the current leave list contents.
func (l *List) Snapshot() node.List {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(node.List, l.entries.Len())
	for i := 0; i < l.entries.Len(); i++ {
		out[i] = l.entries.At(i).(node.Node)
	}
	return out
}
