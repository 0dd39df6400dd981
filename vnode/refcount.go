package vnode

import (
	"sync/atomic"

	"github.com/flocknode/sheepcore/common/logging"
)

var logger = logging.GetLogger("vnode")

// Acquire increments the snapshot's refcount. Call this before spanning a
// suspension point (e.g. handing the snapshot to an I/O-pool worker) so the
// snapshot survives even if a newer one is published and the old one's
// initial reference is released in the meantime.
func (s *Snapshot) Acquire() *Snapshot {
	atomic.AddInt32(&s.refcount, 1)
	return s
}

// Release decrements the refcount; the last releaser frees the snapshot's
// backing ring. Snapshot has no explicit free step in Go (the GC reclaims
// it once unreferenced) but Release still enforces the discipline that a
// refcount must never go negative, which would indicate a double-release
// bug.
func (s *Snapshot) Release() {
	if n := atomic.AddInt32(&s.refcount, -1); n < 0 {
		panic("vnode: snapshot released more times than acquired")
	}
}

// Refcount reports the current reference count; exposed for tests (P1).
func (s *Snapshot) Refcount() int32 {
	return atomic.LoadInt32(&s.refcount)
}

// Handle publishes a sequence of Snapshots through an atomic pointer, per
// spec §9's "immutable value published through an atomic handle" guidance
// (replacing the source's manual inc/dec global). Only the event
// serializer's phase-B calls Publish; everyone else calls Current.
type Handle struct {
	current atomic.Pointer[Snapshot]
}

// NewHandle creates a handle already holding initial (whose refcount must
// already be 1, e.g. fresh from RebuildFrom).
func NewHandle(initial *Snapshot) *Handle {
	h := &Handle{}
	h.current.Store(initial)
	return h
}

// Current returns the currently published snapshot. The caller does not
// own a reference; call Acquire on the result if the caller intends to
// outlive a suspension point.
func (h *Handle) Current() *Snapshot {
	return h.current.Load()
}

// Publish installs next as the current snapshot and releases the
// serializer's own reference to the previous one, in that order, so a
// concurrent reader can never observe a window with no valid snapshot nor
// use-after-free the outgoing one (spec §9 open question, resolved:
// publish-before-release via the atomic handle).
func (h *Handle) Publish(next *Snapshot) {
	prev := h.current.Swap(next)
	if prev != nil {
		prev.Release()
		logger.Debug("released previous vnode snapshot", "refcount_after", prev.Refcount())
	}
}
