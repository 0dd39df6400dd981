// Package driver defines the External Driver Adapter contract (spec §4.9):
// a thin interface over any totally-ordered group broadcast mechanism. The
// cluster core depends only on this interface; driver/fake, driver/pubsub
// and driver/plugin provide concrete implementations.
package driver

import (
	"context"

	"github.com/flocknode/sheepcore/node"
)

// Options configures a driver at Init time.
type Options struct {
	ClusterName string
	LocalAddr   string
	Bootstrap   []string
}

// Driver is the capability surface a group driver must provide.
type Driver interface {
	// Init prepares the driver to participate in the named cluster at
	// localAddr.
	Init(ctx context.Context, opts Options) error

	// Join initiates a membership proposal for self, carrying an opaque
	// payload (the node's JoinPayload wire encoding).
	Join(ctx context.Context, self node.Node, opaque []byte) error

	// Leave gracefully departs the cluster.
	Leave(ctx context.Context) error

	// Notify broadcasts payload in total order to every member, including
	// the caller.
	Notify(ctx context.Context, payload []byte) error

	// Block single-flights payload as a cluster-wide critical section; the
	// driver is responsible for ensuring only one such operation commits
	// cluster-wide at a time.
	Block(ctx context.Context, payload []byte) error

	// Unblock releases a previously blocked critical section, carrying its
	// result payload onward (the driver then delivers it via notify).
	Unblock(ctx context.Context, payload []byte) error

	// Close shuts the driver down.
	Close() error
}

// Callbacks is the set of calls the driver makes back into the core.
type Callbacks interface {
	// OnJoin delivers a confirmed join.
	OnJoin(joined node.Node, members node.List, accepted bool, opaque []byte)

	// OnLeave delivers a confirmed leave.
	OnLeave(left node.Node, members node.List)

	// OnNotify delivers an ordered broadcast.
	OnNotify(sender node.Node, payload []byte)

	// CheckJoin is invoked on every existing member before a join commits,
	// to admit or reject the candidate (spec §4.6).
	CheckJoin(ctx context.Context, joining node.Node, opaque []byte) (Verdict, error)
}

// Verdict mirrors admission.Verdict without importing the admission
// package, keeping the driver contract free of a dependency on admission
// internals (drivers are a pluggable boundary; admission is not).
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictFail
	VerdictJoinLater
	VerdictMasterTransfer
)
