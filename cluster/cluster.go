// Package cluster wires every component of the cluster core into the
// single main-thread-owned value the design notes call for (spec §9,
// REDESIGN FLAGS: "a single ClusterCtx value owned by the main thread;
// worker tasks receive immutable handles or message channels"). Ctx is
// that value: it is the only thing that touches the registry, leave list,
// state machine, epoch log, and published vnode snapshot directly, and it
// is the sole driver.Callbacks implementation, translating every inbound
// driver callback into an event enqueued on the single serializer FIFO.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flocknode/sheepcore/admission"
	"github.com/flocknode/sheepcore/common/crypto"
	"github.com/flocknode/sheepcore/common/logging"
	"github.com/flocknode/sheepcore/config"
	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/epochlog"
	"github.com/flocknode/sheepcore/event"
	"github.com/flocknode/sheepcore/leavelist"
	"github.com/flocknode/sheepcore/node"
	"github.com/flocknode/sheepcore/opcoord"
	"github.com/flocknode/sheepcore/recovery"
	"github.com/flocknode/sheepcore/registry/membership"
	"github.com/flocknode/sheepcore/statemachine"
	"github.com/flocknode/sheepcore/storeadapter"
	"github.com/flocknode/sheepcore/vnode"
)

var logger = logging.GetLogger("cluster")

// Ctx is the main-thread-owned cluster state: the registry, leave list,
// state machine, epoch log, and published vnode handle are mutated only by
// the event serializer's single pump goroutine and by the one-shot Format.
// Ctx's driver-callback methods only read that state (CheckJoin runs
// admission against it), decode, and enqueue.
type Ctx struct {
	Self  node.Node
	Ctime uint64

	// RecoveryPermitted governs whether a stale-epoch rejoin claim is
	// admitted without a history cross-check (spec §4.6 step 5) and
	// whether a leave is allowed to advance the epoch immediately rather
	// than waiting for the grace period named in the original design.
	// Operators needing the grace-period behavior flip this per deploy;
	// the core itself is policy-free here.
	RecoveryPermitted bool

	// ConfiguredCopies is carried in the join payload's nr_copies field
	// (spec §6 wire layout) so a joiner advertises its configured
	// replication factor to every reviewer.
	ConfiguredCopies int

	Registry   *membership.Registry
	LeaveList  *leavelist.List
	Machine    *statemachine.Machine
	EpochLog   *epochlog.Log
	Vnodes     *vnode.Handle
	Store      *storeadapter.Store
	Recovery   *recovery.Module
	Coord      *opcoord.Coordinator
	Serializer *event.Serializer
	Driver     driver.Driver

	// Signer seals every outbound join/notify payload and verifies every
	// inbound one, per spec §4.7: the driver process relaying these
	// payloads is not trusted to leave them unmodified.
	Signer *crypto.Signer

	opSeq            uint64
	pendingDecisions decisionCache
}

// decisionCache remembers this node's own CheckJoin verdict for a
// candidate between the driver's check_join and on_join callbacks, since
// the driver only hands the latter an "accepted" bool, not the verdict
// detail (inc_epoch, post-state, master-transfer epoch) the serializer
// needs to apply the join.
type decisionCache struct {
	mu      sync.Mutex
	results map[node.ID]admission.Result
}

func (c *decisionCache) store(n node.Node, res admission.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[node.ID]admission.Result)
	}
	c.results[n.ID] = res
}

func (c *decisionCache) take(n node.Node) (admission.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[n.ID]
	if ok {
		delete(c.results, n.ID)
	}
	return res, ok
}

// Open wires a full Ctx from cfg: epoch log and object store opened under
// cfg.DataDir, registry/leave-list/state-machine created fresh, and drv
// plugged in as the group driver. Callers run a recovery/restart procedure
// (replaying the epoch log against drv) before calling Start.
func Open(cfg config.Config, self node.Node, ctime uint64, drv driver.Driver) (*Ctx, error) {
	elog, err := epochlog.Open(cfg.DataDir + "/epochlog")
	if err != nil {
		return nil, fmt.Errorf("cluster: open epoch log: %w", err)
	}
	store, err := storeadapter.Open(cfg.DataDir + "/store.db")
	if err != nil {
		return nil, fmt.Errorf("cluster: open object store: %w", err)
	}
	signer, err := crypto.Generate()
	if err != nil {
		return nil, fmt.Errorf("cluster: generate join/notify signing key: %w", err)
	}

	registry := membership.New()
	vnodes := vnode.NewHandle(vnode.RebuildFrom(nil))
	machine := statemachine.New(cfg.ConfiguredCopies)
	recov := recovery.New(store, vnodes, self, cfg.ConfiguredCopies)

	c := &Ctx{
		Self:             self,
		Ctime:            ctime,
		ConfiguredCopies: cfg.ConfiguredCopies,
		Registry:         registry,
		LeaveList:        leavelist.New(),
		Machine:          machine,
		EpochLog:         elog,
		Vnodes:           vnodes,
		Store:            store,
		Recovery:         recov,
		Driver:           drv,
		Signer:           signer,
	}
	c.Coord = opcoord.New(&driverBlockNotify{ctx: c})
	c.Serializer = event.New(event.Deps{
		Registry:     registry,
		LeaveList:    c.LeaveList,
		StateMachine: machine,
		EpochLog:     elog,
		Vnodes:       vnodes,
		Recovery:     recov,
		Pending:      c.Coord,
		BitmapMerge:  store,
		PoolSize:     cfg.WorkerPoolSize,
		// BitmapFetch and Prober are left unwired: neither driver/fake nor
		// driver/pubsub exposes a point-to-point peer RPC (both are pure
		// group-broadcast transports), so phase-A bitmap fetch and leave
		// reachability probing have no peer to address yet. A driver
		// offering a request/response side channel plugs in here.
	})
	return c, nil
}

// Close shuts down every owned subsystem.
func (c *Ctx) Close() error {
	c.Serializer.Stop()
	c.Recovery.Close()
	if err := c.EpochLog.Close(); err != nil {
		return err
	}
	return c.Store.Close()
}

// Start launches the event serializer pump.
func (c *Ctx) Start(ctx context.Context) {
	c.Serializer.Start(ctx)
}

// RequestJoin asks the driver to propose self for membership, attaching
// this node's claimed history as the driver's opaque join payload.
func (c *Ctx) RequestJoin(ctx context.Context, opts driver.Options) error {
	if err := c.Driver.Init(ctx, opts); err != nil {
		return fmt.Errorf("cluster: driver init: %w", err)
	}
	claim := node.JoinPayload{
		ProtoVer: node.ProtoVersion,
		NrCopies: uint8(c.ConfiguredCopies),
		Epoch:    c.Machine.Epoch(),
		Ctime:    c.Ctime,
	}
	// Per spec §6 a join message carries either Nodes or LeaveNodes, never
	// both. A node rejoining with its own outstanding leave-list knowledge
	// advertises that instead of a membership snapshot, so a more-behind
	// accepting side can adopt it directly on MASTER_TRANSFER; a node with
	// nothing outstanding advertises its claimed membership as before.
	if ll := c.LeaveList.Snapshot(); len(ll) > 0 {
		claim.LeaveNodes = ll
	} else {
		claim.Nodes = c.Registry.Snapshot()
	}
	payload, err := claim.Marshal()
	if err != nil {
		return fmt.Errorf("cluster: encode join payload: %w", err)
	}
	sealed := c.Signer.Seal(payload)
	return c.Driver.Join(ctx, c.Self, sealed)
}

// RequestLeave gracefully departs the cluster via the driver.
func (c *Ctx) RequestLeave(ctx context.Context) error {
	return c.Driver.Leave(ctx)
}

// Format commits the cluster's founding epoch, per spec scenario S1: nodes
// joining a never-formatted cluster accumulate in WAIT_FORMAT via ordinary
// admission (which never increments epoch 0), and a separate, once-only
// Format command then commits epoch 1 with the full founding membership and
// transitions every node straight to OK. It is run locally and directly on
// each founding node (not routed through the event serializer), since it
// precedes any driver-mediated event and every founder runs it against an
// identical, already-agreed member list.
func (c *Ctx) Format(ctime uint64, members node.List) error {
	if c.Machine.State() != statemachine.WaitFormat {
		return fmt.Errorf("cluster: format: not in WAIT_FORMAT (state=%s)", c.Machine.State())
	}
	sorted := members.Sorted()
	c.Ctime = ctime
	c.Registry.Replace(sorted)
	c.Vnodes.Publish(vnode.RebuildFrom(sorted))
	if err := c.EpochLog.Append(1, sorted); err != nil {
		return fmt.Errorf("cluster: format: append epoch 1: %w", err)
	}
	c.Machine.AdvanceEpoch(1)
	c.Machine.TransitionTo(statemachine.OK)
	return nil
}

// nextOpID hands out a locally-unique operation id for opcoord requests.
// Uniqueness across nodes is the driver's concern (e.g. stamping sequence
// numbers in driver/pubsub); this counter only needs to be unique among
// this node's own outstanding requests.
func (c *Ctx) nextOpID() uint64 {
	return atomic.AddUint64(&c.opSeq, 1)
}

// SubmitBlocked runs body as a cluster-wide single-flighted operation via
// the Blocked Operation Coordinator, returning the ordered result once this
// node's own NOTIFY echoes back (spec §4.8).
func (c *Ctx) SubmitBlocked(ctx context.Context, body []byte) ([]byte, error) {
	return c.Coord.Block(ctx, c.nextOpID(), body)
}

// SubmitNotify broadcasts an already-computed result in total order.
func (c *Ctx) SubmitNotify(ctx context.Context, body []byte) ([]byte, error) {
	return c.Coord.Notify(ctx, c.nextOpID(), body)
}

// --- driver.Callbacks ---

// CheckJoin implements driver.Callbacks: it runs admission on behalf of
// this node, one of potentially many members each independently voting
// on the candidate (spec §4.6's checks are run "on every existing
// member").
func (c *Ctx) CheckJoin(ctx context.Context, joining node.Node, opaque []byte) (driver.Verdict, error) {
	opened, err := crypto.Open(opaque)
	if err != nil {
		return driver.VerdictFail, fmt.Errorf("cluster: verify join payload signature: %w", err)
	}
	payload, err := node.Unmarshal(opened)
	if err != nil {
		return driver.VerdictFail, fmt.Errorf("cluster: decode join payload: %w", err)
	}

	claim := admission.Claim{
		Ctime:      payload.Ctime,
		Epoch:      payload.Epoch,
		Nodes:      payload.Nodes,
		LeaveNodes: payload.LeaveNodes,
		Joiner:     joining,
	}
	local := admission.LocalTruth{
		State:             c.Machine.State(),
		Ctime:             c.Ctime,
		LatestEpoch:       c.Machine.Epoch(),
		CurrentMembers:    c.Registry.Size(),
		LeaveListSize:     c.LeaveList.Size(),
		RecoveryPermitted: c.RecoveryPermitted,
		ReadEpoch:         c.EpochLog.Read,
		CurrentRegistry:   c.Registry.Snapshot,
	}

	res := admission.Admit(claim, local)
	logger.Debug("check_join", "joiner", joining.ID.String(), "verdict", res.Verdict.String())

	c.pendingDecisions.store(joining, res)

	switch res.Verdict {
	case admission.Success:
		return driver.VerdictSuccess, nil
	case admission.JoinLater:
		return driver.VerdictJoinLater, nil
	case admission.MasterTransfer:
		return driver.VerdictMasterTransfer, nil
	default:
		return driver.VerdictFail, res.Err
	}
}

// OnJoin implements driver.Callbacks: once the driver has confirmed a join
// cluster-wide, enqueue it for the serializer to apply. The admission
// decision this node itself rendered in CheckJoin travels with the event;
// if this node never ran CheckJoin for joined (e.g. it joined after the
// vote), it falls back to treating a driver-confirmed join as an
// unconditional, non-epoch-incrementing acceptance.
func (c *Ctx) OnJoin(joined node.Node, members node.List, accepted bool, opaque []byte) {
	if !accepted {
		logger.Debug("on_join: driver rejected candidate, ignoring", "node", joined.ID.String())
		return
	}
	decision, ok := c.pendingDecisions.take(joined)
	if !ok {
		decision = admission.Result{Verdict: admission.Success, PostState: c.Machine.State()}
	}
	c.Serializer.EnqueueJoin(event.JoinEvent{
		Joiner:       joined,
		Decision:     decision,
		PriorMembers: members,
	})
}

// OnLeave implements driver.Callbacks.
func (c *Ctx) OnLeave(left node.Node, members node.List) {
	c.Serializer.EnqueueLeave(event.LeaveEvent{
		Leaver:            left,
		Members:           members,
		RecoveryPermitted: c.RecoveryPermitted,
	})
}

// OnNotify implements driver.Callbacks: decode the envelope and enqueue,
// tagging whether this node is the originator so the serializer knows to
// route it through the pending-operation coordinator too.
func (c *Ctx) OnNotify(sender node.Node, payload []byte) {
	opened, err := crypto.Open(payload)
	if err != nil {
		logger.Warn("on_notify: failed to verify payload signature", "sender", sender.ID.String(), "err", err)
		return
	}
	p, err := event.UnmarshalNotifyPayload(opened)
	if err != nil {
		logger.Warn("on_notify: failed to decode payload", "sender", sender.ID.String(), "err", err)
		return
	}
	c.Serializer.EnqueueNotify(event.NotifyEvent{
		Payload:           p,
		IsLocalOriginator: sender.Equal(c.Self),
	})
}

// driverBlockNotify adapts a driver.Driver down to opcoord.Driver by
// CBOR-framing the (opID, body) pair into the single opaque payload the
// group driver transports. It holds the owning Ctx rather than a driver.Driver
// directly so it keeps working across the Init-time driver swap that
// driver/fake's callbacks-need-the-driver, driver-needs-the-callbacks
// construction order forces on every driver.Driver implementation.
type driverBlockNotify struct {
	ctx *Ctx
}

func (d *driverBlockNotify) Block(ctx context.Context, opID uint64, body []byte) error {
	buf, err := event.NotifyPayload{OpID: opID, Body: body}.Marshal()
	if err != nil {
		return err
	}
	return d.ctx.Driver.Block(ctx, d.ctx.Signer.Seal(buf))
}

func (d *driverBlockNotify) Notify(ctx context.Context, opID uint64, body []byte) error {
	buf, err := event.NotifyPayload{OpID: opID, Body: body}.Marshal()
	if err != nil {
		return err
	}
	return d.ctx.Driver.Notify(ctx, d.ctx.Signer.Seal(buf))
}
