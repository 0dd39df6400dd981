// Package fake provides a deterministic, synchronous in-process Driver for
// tests: every call invokes the registered Callbacks directly, with no
// network and no goroutines, so tests can assert cause and effect without
// timing.
package fake

import (
	"context"
	"sync"

	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/node"
)

// Driver is a single-process fake implementing driver.Driver, suitable for
// simulating a small cluster of nodes wired to the same fake "network" via
// shared Peers.
type Driver struct {
	mu        sync.Mutex
	self      node.Node
	callbacks driver.Callbacks
	peers     *Network
	members   node.List
	closed    bool
}

// Network is the shared in-process broadcast medium every fake Driver in a
// test registers with; it fans Notify out to every registered driver in
// registration order, modeling a totally-ordered broadcast.
type Network struct {
	mu      sync.Mutex
	drivers []*Driver
}

// NewNetwork returns an empty shared network.
func NewNetwork() *Network {
	return &Network{}
}

func (n *Network) register(d *Driver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drivers = append(n.drivers, d)
}

func (n *Network) broadcastNotify(sender node.Node, payload []byte) {
	n.mu.Lock()
	targets := append([]*Driver(nil), n.drivers...)
	n.mu.Unlock()
	for _, d := range targets {
		d.callbacks.OnNotify(sender, payload)
	}
}

func (n *Network) broadcastJoin(joined node.Node, members node.List, accepted bool, opaque []byte) {
	n.mu.Lock()
	targets := append([]*Driver(nil), n.drivers...)
	n.mu.Unlock()
	for _, d := range targets {
		d.callbacks.OnJoin(joined, members, accepted, opaque)
	}
}

func (n *Network) broadcastLeave(left node.Node, members node.List) {
	n.mu.Lock()
	targets := append([]*Driver(nil), n.drivers...)
	n.mu.Unlock()
	for _, d := range targets {
		d.callbacks.OnLeave(left, members)
	}
}

// New returns a fake driver that will register itself on net at Init.
func New(net *Network, callbacks driver.Callbacks) *Driver {
	return &Driver{peers: net, callbacks: callbacks}
}

// Init implements driver.Driver.
func (d *Driver) Init(ctx context.Context, opts driver.Options) error {
	d.self = node.Node{ID: node.ID{Addr: opts.LocalAddr}}
	d.peers.register(d)
	return nil
}

// Join implements driver.Driver: it runs CheckJoin against every currently
// registered driver's callbacks (simulating "every existing member") and,
// if all admit, broadcasts OnJoin.
func (d *Driver) Join(ctx context.Context, self node.Node, opaque []byte) error {
	d.peers.mu.Lock()
	reviewers := append([]*Driver(nil), d.peers.drivers...)
	d.peers.mu.Unlock()

	accepted := true
	for _, reviewer := range reviewers {
		verdict, err := reviewer.callbacks.CheckJoin(ctx, self, opaque)
		if err != nil || verdict == driver.VerdictFail {
			accepted = false
			break
		}
	}

	d.mu.Lock()
	if accepted {
		d.members = append(d.members.Clone(), self)
		d.members.Sort()
	}
	members := d.members.Clone()
	d.mu.Unlock()

	d.peers.broadcastJoin(self, members, accepted, opaque)
	return nil
}

// Leave implements driver.Driver.
func (d *Driver) Leave(ctx context.Context) error {
	d.mu.Lock()
	var remaining node.List
	for _, m := range d.members {
		if !m.Equal(d.self) {
			remaining = append(remaining, m)
		}
	}
	d.members = remaining
	d.mu.Unlock()

	d.peers.broadcastLeave(d.self, remaining)
	return nil
}

// Notify implements driver.Driver.
func (d *Driver) Notify(ctx context.Context, payload []byte) error {
	d.peers.broadcastNotify(d.self, payload)
	return nil
}

// Block implements driver.Driver: the fake single-flights by simply
// running synchronously, since there is no real concurrency to arbitrate.
func (d *Driver) Block(ctx context.Context, payload []byte) error {
	return nil
}

// Unblock implements driver.Driver by notifying the result onward.
func (d *Driver) Unblock(ctx context.Context, payload []byte) error {
	return d.Notify(ctx, payload)
}

// Close implements driver.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
