// Package recovery implements the fire-and-forget recovery module the
// event serializer starts after a membership change settles: it re-checks
// every locally-held object against the freshly rebuilt vnode snapshot and
// purges anything the local node is no longer responsible for.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/flocknode/sheepcore/common/logging"
	"github.com/flocknode/sheepcore/common/workerpool"
	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/vnode"
)

var logger = logging.GetLogger("recovery")

// Store is the narrow object-store view recovery needs.
type Store interface {
	PurgeStaleObjects(shouldKeep func(oid string) bool) (int, error)
}

// Module runs recovery passes on a worker pool, never blocking the caller
// (spec §4.7: "start recovery... fire-and-forget").
type Module struct {
	store  Store
	vnodes *vnode.Handle
	self   node.Node
	copies int
	pool   *workerpool.Pool

	mu      sync.Mutex
	running bool
}

// New builds a recovery module bound to store and vnodes, scoped to self.
// copies is the effective replication factor used to decide whether self
// is still among an object's replica set.
func New(store Store, vnodes *vnode.Handle, self node.Node, copies int) *Module {
	if copies < 1 {
		copies = 1
	}
	return &Module{store: store, vnodes: vnodes, self: self, copies: copies, pool: workerpool.New(1)}
}

// Start launches a recovery pass for the given epoch in the background. At
// most one pass is in flight: if a pass is already running, the request is
// dropped. The in-flight pass reads the published snapshot once, when it
// begins, so a snapshot published after that point is not reconciled until
// a later Start call runs a new pass.
func (m *Module) Start(epoch uint32) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Debug("recovery pass already running, new request folded in", "epoch", epoch)
		return
	}
	m.running = true
	m.mu.Unlock()

	m.pool.Submit(func() {
		defer func() {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
		}()
		m.runPass(epoch)
	})
}

func (m *Module) runPass(epoch uint32) {
	snap := m.vnodes.Current()
	purged, err := m.store.PurgeStaleObjects(func(oid string) bool {
		owners := snap.Locate(oid, m.copies)
		for _, o := range owners {
			if o.Equal(m.self) {
				return true
			}
		}
		return false
	})
	if err != nil {
		logger.Error("recovery pass failed", "epoch", epoch, "err", err)
		return
	}
	logger.Info("recovery pass complete", "epoch", epoch, "purged", purged)
}

// Close stops the recovery module's worker.
func (m *Module) Close() {
	m.pool.Close()
}

// WaitIdle blocks until no recovery pass is running, or ctx is done. Used
// by tests and by graceful shutdown.
func (m *Module) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		running := m.running
		m.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
