// Package opcoord implements the Blocked Operation Coordinator (spec §4.8):
// cluster-wide requests are appended to a pending queue and routed through
// the group driver's block/unblock/notify trio, with the ordered result
// delivered back to the originator as a NOTIFY event.
package opcoord

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"github.com/flocknode/sheepcore/common/logging"
)

var logger = logging.GetLogger("opcoord")

// Driver is the narrow slice of the group driver the coordinator drives.
// Block is used for requests requiring cluster-wide single-flighting
// before a result exists; Notify broadcasts an already-known result
// directly (spec §4.8's "non-blocking cluster requests").
type Driver interface {
	Block(ctx context.Context, opID uint64, body []byte) error
	Notify(ctx context.Context, opID uint64, body []byte) error
}

// pendingEntry is one in-flight cluster-wide request awaiting its echoing
// NOTIFY.
type pendingEntry struct {
	opID   uint64
	result chan []byte
}

// Coordinator tracks this node's outstanding cluster-wide requests.
type Coordinator struct {
	mu      sync.Mutex
	pending deque.Deque
	driver  Driver
}

// New builds a coordinator bound to driver.
func New(driver Driver) *Coordinator {
	return &Coordinator{driver: driver}
}

// Block appends opID to the pending queue and invokes the driver's Block,
// then waits for the echoing NOTIFY (delivered via MatchAndDeliver) to
// produce a result. The driver is responsible for single-flighting opID
// cluster-wide.
func (c *Coordinator) Block(ctx context.Context, opID uint64, body []byte) ([]byte, error) {
	entry := c.push(opID)
	if err := c.driver.Block(ctx, opID, body); err != nil {
		c.remove(entry)
		return nil, err
	}
	return c.await(ctx, entry)
}

// Notify appends opID to the pending queue, broadcasts body directly via
// the driver's Notify, then waits for the echoing NOTIFY to confirm
// delivery. Used for cluster requests with no local pre-compute.
func (c *Coordinator) Notify(ctx context.Context, opID uint64, body []byte) ([]byte, error) {
	entry := c.push(opID)
	if err := c.driver.Notify(ctx, opID, body); err != nil {
		c.remove(entry)
		return nil, err
	}
	return c.await(ctx, entry)
}

func (c *Coordinator) push(opID uint64) *pendingEntry {
	entry := &pendingEntry{opID: opID, result: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending.PushBack(entry)
	c.mu.Unlock()
	return entry
}

func (c *Coordinator) remove(entry *pendingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.pending.Len(); i++ {
		if c.pending.At(i).(*pendingEntry) == entry {
			// deque has no O(1) arbitrary removal; rebuild without it,
			// acceptable since this only happens when a Block/Notify
			// driver call fails or its ctx is done before the echo arrives.
			rest := make([]*pendingEntry, 0, c.pending.Len()-1)
			for j := 0; j < c.pending.Len(); j++ {
				if j != i {
					rest = append(rest, c.pending.At(j).(*pendingEntry))
				}
			}
			c.pending.Clear()
			for _, e := range rest {
				c.pending.PushBack(e)
			}
			return
		}
	}
}

func (c *Coordinator) await(ctx context.Context, entry *pendingEntry) ([]byte, error) {
	select {
	case result := <-entry.result:
		return result, nil
	case <-ctx.Done():
		c.remove(entry)
		return nil, ctx.Err()
	}
}

// MatchAndDeliver is called by the event serializer when a NOTIFY event
// arrives at the originating node (spec §4.8, invariant I7: the
// originator's NOTIFY always arrives with its pending entry still at the
// head of its own queue). It pops the head entry, verifies it matches
// opID, and delivers body to the waiting Block/Notify call.
func (c *Coordinator) MatchAndDeliver(opID uint64, body []byte) bool {
	c.mu.Lock()
	if c.pending.Len() == 0 {
		c.mu.Unlock()
		logger.Warn("notify delivered with empty pending queue", "op_id", opID)
		return false
	}
	head := c.pending.PopFront().(*pendingEntry)
	c.mu.Unlock()

	if head.opID != opID {
		logger.Error("notify op id does not match pending queue head", "op_id", opID, "head_op_id", head.opID)
		head.result <- nil
		return false
	}
	head.result <- body
	return true
}

// PendingLen reports the number of outstanding requests; used by tests.
func (c *Coordinator) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}
